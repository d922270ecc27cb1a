package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"packsmith/internal/config"
	"packsmith/internal/logging"
	"packsmith/internal/metrics"
	"packsmith/internal/types"
)

// Client talks to an OpenAI-compatible /chat/completions endpoint in strict
// JSON mode. One Client is shared by every request; concurrency against the
// provider is bounded by the server-wide semaphore.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	limiter    *semaphore.Weighted
	observers  []Observer
	log        *zap.Logger

	timeout     time.Duration
	maxAttempts int
}

// NewClient builds the gateway client. serviceLimit bounds concurrent calls
// server-wide; observers receive every completed call.
func NewClient(cfg config.LLMConfig, timeout time.Duration, serviceLimit int64, observers ...Observer) *Client {
	if serviceLimit <= 0 {
		serviceLimit = 64
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// The per-call budget is enforced via context; the transport
			// timeout is a backstop for leaked connections.
			Timeout: timeout + 5*time.Second,
		},
		limiter:     semaphore.NewWeighted(serviceLimit),
		observers:   observers,
		log:         logging.For(logging.ComponentLLM),
		timeout:     timeout,
		maxAttempts: attempts,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call performs one structured call. JSON parse or shape failures are retried
// exactly once with a repair prompt echoing the parse error; transport-level
// failures retry with exponential backoff inside the call budget.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, c.finish(req, nil, start, types.WrapError(types.CodeCancelled, types.ErrCancelled, "llm call cancelled waiting for slot"))
	}
	defer c.limiter.Release(1)

	system := req.System
	if req.Schema != "" {
		system += "\n\nRespond with a single JSON object matching this shape:\n" + req.Schema
	}

	var total types.TokenUsage
	content, usage, err := c.complete(ctx, req, system, req.User)
	total.Add(usage)
	if err != nil {
		return nil, c.finish(req, &total, start, err)
	}

	raw, parseErr := extractJSON(content, req.RequiredKeys)
	if parseErr != nil {
		// One repair round: echo the parse error back with the bad output.
		c.log.Warn("llm output failed validation, retrying with repair prompt",
			zap.String("operation", req.Operation),
			zap.Error(parseErr))
		repair := fmt.Sprintf(
			"Your previous response could not be parsed: %v\n\nPrevious response:\n%s\n\nReturn ONLY the corrected JSON object, nothing else.",
			parseErr, truncate(content, 4000))
		content, usage, err = c.complete(ctx, req, system, req.User+"\n\n"+repair)
		total.Add(usage)
		if err != nil {
			return nil, c.finish(req, &total, start, err)
		}
		raw, parseErr = extractJSON(content, req.RequiredKeys)
		if parseErr != nil {
			err := types.WrapError(types.CodeLLMInvalidOutput, fmt.Errorf("%w: %v", ErrInvalidOutput, parseErr),
				"model output unparseable after repair retry")
			return nil, c.finish(req, &total, start, err)
		}
	}

	cost := c.cfg.Cost(total.Input, total.Output)
	res := &Result{Raw: raw, Usage: total, CostUSD: cost}
	_ = c.finish(req, &total, start, nil)
	return res, nil
}

// complete performs the transport-level request with backoff on transient
// failures. Returns the raw text content and token usage of the last attempt.
func (c *Client) complete(ctx context.Context, req Request, system, user string) (string, types.TokenUsage, error) {
	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter; abandoned when the call
			// budget or the caller's context expires.
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			backoff += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", types.TokenUsage{}, classifyCtxErr(ctx)
			}
		}

		content, usage, retryable, err := c.attempt(ctx, body)
		if err == nil {
			return content, usage, nil
		}
		if ctx.Err() != nil {
			return "", usage, classifyCtxErr(ctx)
		}
		if !retryable {
			return "", usage, err
		}
		lastErr = err
	}
	return "", types.TokenUsage{}, types.WrapError(types.CodeLLMTimeout, lastErr, "llm call failed after %d attempts", c.maxAttempts)
}

func (c *Client) attempt(ctx context.Context, body chatRequest) (string, types.TokenUsage, bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", types.TokenUsage{}, false, fmt.Errorf("failed to marshal llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", types.TokenUsage{}, false, fmt.Errorf("failed to build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", types.TokenUsage{}, true, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.TokenUsage{}, true, fmt.Errorf("failed to read llm response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", types.TokenUsage{}, true, fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	case resp.StatusCode != http.StatusOK:
		return "", types.TokenUsage{}, false,
			types.NewError(types.CodeInternal, "llm returned status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", types.TokenUsage{}, true, fmt.Errorf("failed to decode llm response envelope: %w", err)
	}
	if parsed.Error != nil {
		return "", types.TokenUsage{}, false, types.NewError(types.CodeInternal, "llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", types.TokenUsage{}, true, fmt.Errorf("llm returned no choices")
	}

	usage := types.TokenUsage{Input: parsed.Usage.PromptTokens, Output: parsed.Usage.CompletionTokens}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), usage, false, nil
}

func (c *Client) finish(req Request, usage *types.TokenUsage, start time.Time, err error) error {
	elapsed := time.Since(start)
	var u types.TokenUsage
	if usage != nil {
		u = *usage
	}
	cost := c.cfg.Cost(u.Input, u.Output)

	status := "ok"
	if err != nil {
		status = string(types.CodeOf(err))
	}
	metrics.RecordLLMCall(req.Operation, status, u.Input, u.Output, cost)
	for _, obs := range c.observers {
		obs.ObserveLLMCall(req.Operation, u, cost, elapsed, err)
	}

	if err != nil {
		c.log.Warn("llm call failed",
			zap.String("operation", req.Operation),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		c.log.Debug("llm call completed",
			zap.String("operation", req.Operation),
			zap.Duration("elapsed", elapsed),
			zap.Int("tokens_in", u.Input),
			zap.Int("tokens_out", u.Output))
	}
	return err
}

func classifyCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.WrapError(types.CodeLLMTimeout, ctx.Err(), "llm call exceeded budget")
	}
	return types.WrapError(types.CodeCancelled, types.ErrCancelled, "llm call cancelled")
}

// extractJSON locates the JSON object in content, tolerating markdown fences,
// and validates the required top-level keys.
func extractJSON(content string, requiredKeys []string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	candidate := content[start : end+1]

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &top); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := top[key]; !ok {
			return nil, fmt.Errorf("missing required key %q", key)
		}
	}
	return json.RawMessage(candidate), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
