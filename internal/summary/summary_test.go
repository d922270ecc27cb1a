package summary

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

type fakeGateway struct {
	response string
	err      error
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Raw: json.RawMessage(f.response)}, nil
}

func groups() []types.ModGroup {
	return []types.ModGroup{
		{Name: "Performance", Mods: []*types.Mod{{SourceID: "s", Name: "Sodium"}}},
		{Name: "Tech", Mods: []*types.Mod{{SourceID: "c", Name: "Create"}, {SourceID: "a", Name: "AE2"}}},
	}
}

func TestSummarizeUsesModelOutput(t *testing.T) {
	s := New(&fakeGateway{response: `{"summary": "A lean tech pack built around Create."}`})
	got := s.Summarize(context.Background(), "tech pack", groups())
	assert.Equal(t, "A lean tech pack built around Create.", got)
}

func TestSummarizeFallsBackOnError(t *testing.T) {
	s := New(&fakeGateway{err: errors.New("provider down")})
	got := s.Summarize(context.Background(), "tech pack", groups())
	assert.Equal(t, "A pack of 3 mods across Performance, Tech.", got)
}

func TestSummarizeFallsBackOnEmptyOutput(t *testing.T) {
	s := New(&fakeGateway{response: `{"summary": "  "}`})
	got := s.Summarize(context.Background(), "tech pack", groups())
	assert.Contains(t, got, "3 mods")
}
