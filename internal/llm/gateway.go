// Package llm is the gateway to the external language model. Every call is a
// strict JSON-mode chat completion against an OpenAI-compatible endpoint; the
// gateway owns retries, token accounting, and cost attribution so callers only
// see typed results.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"packsmith/internal/types"
)

// Request describes one structured call to the model.
type Request struct {
	// Operation names the call for tracing and metrics (e.g. "query_plan").
	Operation string

	System string
	User   string

	// Schema is a human-readable description of the expected JSON shape,
	// appended to the system prompt. RequiredKeys is the machine-checked
	// subset: top-level keys that must be present in the parsed output.
	Schema       string
	RequiredKeys []string

	Temperature float64
	MaxTokens   int
}

// Result is one completed call.
type Result struct {
	// Raw is the parsed JSON document. Callers unmarshal it into their own
	// typed structs; raw maps never travel past the calling package.
	Raw json.RawMessage

	Usage   types.TokenUsage
	CostUSD float64
}

// Gateway is the capability interface injected into every pipeline component
// that talks to the model. Tests supply scripted fakes.
type Gateway interface {
	Call(ctx context.Context, req Request) (*Result, error)
}

// Observer receives a record of every completed call. The tracer and the
// aggregate usage tracker both attach here.
type Observer interface {
	ObserveLLMCall(operation string, usage types.TokenUsage, costUSD float64, elapsed time.Duration, err error)
}

// ErrInvalidOutput marks a response that failed JSON parsing or shape
// validation after the single repair retry.
var ErrInvalidOutput = errors.New("llm returned invalid output")

// disabled fails every call so components take their heuristic paths. Serves
// deployments and endpoints that run without model access.
type disabled struct{}

// Disabled returns a gateway with model access switched off.
func Disabled() Gateway { return disabled{} }

func (disabled) Call(ctx context.Context, req Request) (*Result, error) {
	return nil, types.NewError(types.CodeInternal, "model access is disabled")
}

// observed forwards calls to next and reports every completion to one extra
// observer. Failed calls report zero usage; the shared client's own observers
// still see the transport-level accounting.
type observed struct {
	next Gateway
	obs  Observer
}

// Observed attaches a per-request observer, typically the pipeline tracer, on
// top of a shared gateway.
func Observed(next Gateway, obs Observer) Gateway {
	return &observed{next: next, obs: obs}
}

func (o *observed) Call(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := o.next.Call(ctx, req)
	var usage types.TokenUsage
	var cost float64
	if res != nil {
		usage = res.Usage
		cost = res.CostUSD
	}
	o.obs.ObserveLLMCall(req.Operation, usage, cost, time.Since(start), err)
	return res, err
}
