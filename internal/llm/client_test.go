package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/config"
	"packsmith/internal/types"
)

func chatBody(content string, in, out int) string {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
		"usage": map[string]int{"prompt_tokens": in, "completion_tokens": out},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.LLMConfig{
		APIKey:          "test-key",
		BaseURL:         srv.URL,
		Model:           "test-model",
		MaxAttempts:     3,
		InputCostPer1M:  0.14,
		OutputCostPer1M: 0.28,
	}
	return NewClient(cfg, 10*time.Second, 4)
}

func TestCallParsesStructuredOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatBody(`{"answer": 42}`, 100, 20))
	})

	res, err := client.Call(context.Background(), Request{
		Operation:    "test",
		User:         "question",
		RequiredKeys: []string{"answer"},
	})
	require.NoError(t, err)

	var out struct {
		Answer int `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(res.Raw, &out))
	assert.Equal(t, 42, out.Answer)
	assert.Equal(t, 120, res.Usage.Total())
	assert.InDelta(t, (100*0.14+20*0.28)/1e6, res.CostUSD, 1e-12)
}

func TestCallStripsMarkdownFences(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody("```json\n{\"ok\": true}\n```", 10, 5))
	})

	res, err := client.Call(context.Background(), Request{Operation: "test", User: "q"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(res.Raw))
}

func TestCallRepairsInvalidJSONOnce(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, chatBody(`not json at all`, 50, 10))
			return
		}
		// The repair prompt must echo the failed output back.
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Messages[1].Content, "could not be parsed")
		fmt.Fprint(w, chatBody(`{"fixed": true}`, 60, 12))
	})

	res, err := client.Call(context.Background(), Request{Operation: "test", User: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Both rounds are charged together.
	assert.Equal(t, 110, res.Usage.Input)
	assert.Equal(t, 22, res.Usage.Output)
}

func TestCallFailsAfterSecondInvalidOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody(`still not json`, 10, 10))
	})

	_, err := client.Call(context.Background(), Request{Operation: "test", User: "q"})
	require.Error(t, err)
	assert.Equal(t, types.CodeLLMInvalidOutput, types.CodeOf(err))
	assert.True(t, errors.Is(err, ErrInvalidOutput))
}

func TestCallEnforcesRequiredKeys(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody(`{"wrong_key": 1}`, 10, 10))
	})

	_, err := client.Call(context.Background(), Request{
		Operation:    "test",
		User:         "q",
		RequiredKeys: []string{"search_queries"},
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeLLMInvalidOutput, types.CodeOf(err))
}

func TestCallRetriesTransientErrors(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chatBody(`{"ok": 1}`, 5, 5))
	})

	res, err := client.Call(context.Background(), Request{Operation: "test", User: "q"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.NotNil(t, res.Raw)
}

func TestCallCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		fmt.Fprint(w, chatBody(`{"ok": 1}`, 5, 5))
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Call(ctx, Request{Operation: "test", User: "q"})
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
}

type recordingObserver struct {
	ops []string
}

func (r *recordingObserver) ObserveLLMCall(op string, usage types.TokenUsage, cost float64, elapsed time.Duration, err error) {
	r.ops = append(r.ops, op)
}

func TestObserversSeeCompletedCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody(`{"ok": 1}`, 5, 5))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := NewClient(config.LLMConfig{
		APIKey: "k", BaseURL: srv.URL, Model: "m", MaxAttempts: 1,
	}, 5*time.Second, 4, obs)

	_, err := client.Call(context.Background(), Request{Operation: "query_plan", User: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"query_plan"}, obs.ops)
}
