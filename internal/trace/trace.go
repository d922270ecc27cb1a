// Package trace records one pipeline run: stage timings, LLM call records,
// and token totals. The finished report travels to the client attached to the
// board under the "_pipeline" meta key.
package trace

import (
	"encoding/json"
	"sync"
	"time"

	"packsmith/internal/types"
)

// MetaKey is where the serialized report lands in board metadata.
const MetaKey = "_pipeline"

// Stage is one timed pipeline stage.
type Stage struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ms"`
	Note      string        `json:"note,omitempty"`
}

// LLMCall is one observed model call.
type LLMCall struct {
	Operation string           `json:"operation"`
	Usage     types.TokenUsage `json:"usage"`
	CostUSD   float64          `json:"cost_usd"`
	Elapsed   time.Duration    `json:"elapsed_ms"`
	Error     string           `json:"error,omitempty"`
}

// Report is the serializable trace of one run.
type Report struct {
	Pipeline   string           `json:"pipeline"`
	RequestID  string           `json:"request_id"`
	StartedAt  time.Time        `json:"started_at"`
	Elapsed    time.Duration    `json:"elapsed_ms"`
	Stages     []Stage          `json:"stages"`
	LLMCalls   []LLMCall        `json:"llm_calls"`
	TotalUsage types.TokenUsage `json:"total_usage"`
	TotalCost  float64          `json:"total_cost_usd"`
}

// Tracer accumulates a report. Safe for concurrent use; retrieval probes and
// observers report from multiple goroutines.
type Tracer struct {
	mu      sync.Mutex
	report  Report
	started time.Time
	now     func() time.Time
}

// New starts a tracer for one pipeline run.
func New(pipeline, requestID string) *Tracer {
	t := &Tracer{now: time.Now}
	t.started = t.now()
	t.report = Report{Pipeline: pipeline, RequestID: requestID, StartedAt: t.started}
	return t
}

// Stage times a pipeline stage; call the returned function when the stage
// ends.
func (t *Tracer) Stage(name string) func() {
	start := t.now()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.report.Stages = append(t.report.Stages, Stage{
			Name:      name,
			StartedAt: start,
			Elapsed:   t.now().Sub(start) / time.Millisecond,
		})
	}
}

// Note annotates the most recent stage.
func (t *Tracer) Note(note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.report.Stages); n > 0 {
		t.report.Stages[n-1].Note = note
	}
}

// ObserveLLMCall implements llm.Observer.
func (t *Tracer) ObserveLLMCall(operation string, usage types.TokenUsage, costUSD float64, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := LLMCall{
		Operation: operation,
		Usage:     usage,
		CostUSD:   costUSD,
		Elapsed:   elapsed / time.Millisecond,
	}
	if err != nil {
		call.Error = err.Error()
	}
	t.report.LLMCalls = append(t.report.LLMCalls, call)
	t.report.TotalUsage.Add(usage)
	t.report.TotalCost += costUSD
}

// Usage returns the tokens consumed so far.
func (t *Tracer) Usage() types.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report.TotalUsage
}

// Report finalizes and returns a copy of the trace.
func (t *Tracer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.report
	r.Elapsed = t.now().Sub(t.started) / time.Millisecond
	r.Stages = append([]Stage(nil), t.report.Stages...)
	r.LLMCalls = append([]LLMCall(nil), t.report.LLMCalls...)
	return r
}

// AttachTo serializes the report into the board's meta map.
func (t *Tracer) AttachTo(board *types.BoardState) {
	raw, err := json.Marshal(t.Report())
	if err != nil {
		return
	}
	if board.Meta == nil {
		board.Meta = make(map[string]string, 1)
	}
	board.Meta[MetaKey] = string(raw)
}
