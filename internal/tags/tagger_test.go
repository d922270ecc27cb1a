package tags

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

type fakeGateway struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{
		Raw:     json.RawMessage(f.response),
		Usage:   types.TokenUsage{Input: 200, Output: 50},
		CostUSD: 0.001,
	}, nil
}

func TestAssignValidatesAgainstVocabulary(t *testing.T) {
	gw := &fakeGateway{response: `{
		"assignments": [
			{"source_id": "m1", "tags": ["optimization", "fps-boost", "made-up-tag"]},
			{"source_id": "m2", "tags": ["minimap", "waypoints"]}
		]
	}`}
	tagger := NewTagger(gw, 0)

	result, err := tagger.Assign(context.Background(), []TagCandidate{
		{SourceID: "m1", Name: "Sodium", Categories: []string{"performance"}},
		{SourceID: "m2", Name: "Xaero's Minimap"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"optimization", "fps-boost"}, result.Tags["m1"])
	assert.Equal(t, []string{"minimap", "waypoints"}, result.Tags["m2"])
	assert.Equal(t, 200, result.Usage.Input)
	assert.Equal(t, 50, result.Usage.Output)
	assert.InDelta(t, 0.001, result.CostUSD, 1e-9)
	assert.Equal(t, 1, gw.calls)
}

func TestAssignSplitsLargeListsIntoBatches(t *testing.T) {
	gw := &fakeGateway{response: `{"assignments": []}`}
	tagger := NewTagger(gw, 2)

	mods := make([]TagCandidate, tagBatchSize+1)
	for i := range mods {
		mods[i] = TagCandidate{SourceID: string(rune('a' + i%26))}
	}

	_, err := tagger.Assign(context.Background(), mods)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.calls)
}

func TestAssignFailedBatchYieldsEmptyTags(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	tagger := NewTagger(gw, 0)

	result, err := tagger.Assign(context.Background(), []TagCandidate{
		{SourceID: "m1", Name: "Sodium"},
	})
	require.NoError(t, err)
	require.Contains(t, result.Tags, "m1")
	assert.Empty(t, result.Tags["m1"])
	assert.Zero(t, result.Usage.Total())
}

func TestAssignEmptyInput(t *testing.T) {
	gw := &fakeGateway{}
	tagger := NewTagger(gw, 0)

	result, err := tagger.Assign(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Tags)
	assert.Equal(t, 0, gw.calls)
}
