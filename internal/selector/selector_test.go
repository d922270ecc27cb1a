package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

type fakeGateway struct {
	response string
	err      error
	calls    int
	lastUser string
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.calls++
	f.lastUser = req.User
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Raw: json.RawMessage(f.response)}, nil
}

func candidate(id string, downloads int64, caps ...string) Candidate {
	return Candidate{
		Mod: &types.Mod{
			SourceID: id, Slug: id, Name: id,
			Downloads: downloads, Capabilities: caps,
		},
		Retrieval: 0.03,
	}
}

func manyCandidates(n int, prefix string, caps ...string) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = candidate(fmt.Sprintf("%s%02d", prefix, i), int64(1000*(i+1)), caps...)
	}
	return out
}

func TestFastPathSkipsModel(t *testing.T) {
	gw := &fakeGateway{}
	s := New(gw)

	sels, explanation, err := s.Select(context.Background(), Request{
		Prompt:     "small pack",
		MaxMods:    10,
		Candidates: manyCandidates(5, "m", "tech"),
	})
	require.NoError(t, err)
	assert.Len(t, sels, 5)
	assert.NotEmpty(t, explanation)
	assert.Zero(t, gw.calls, "pool within budget must not call the model")
}

func TestPrefilterScoreOrdering(t *testing.T) {
	matching := candidate("matching", 100, "magic.spellcasting")
	popular := candidate("popular", 50_000_000)
	s := New(&fakeGateway{})

	pool := s.prefilter(Request{
		MaxMods:    10,
		Candidates: []Candidate{popular, matching},
		Focus:      []string{"magic.spellcasting"},
	})
	require.Len(t, pool, 2)
	// Capability match (+5) beats the capped download bonus (+3).
	assert.Equal(t, "matching", pool[0].Mod.SourceID)
}

func TestPerCategoryDraftCap(t *testing.T) {
	arch := &types.PlannedArchitecture{Categories: []types.PlannedCategory{
		{Name: "Tech", RequiredCapabilities: []string{"tech"}, TargetMods: 10},
	}}
	s := New(&fakeGateway{})

	pool := s.prefilter(Request{
		MaxMods:      10,
		Candidates:   manyCandidates(20, "t", "tech.automation"),
		Architecture: arch,
	})
	assert.Len(t, pool, perCategoryK)
}

func TestBaselinesSurvivePoolCap(t *testing.T) {
	cands := manyCandidates(poolCap+10, "m", "tech")
	base := candidate("baseline-mod", 1)
	base.Baseline = true
	cands = append(cands, base)
	s := New(&fakeGateway{})

	pool := s.prefilter(Request{MaxMods: 10, Candidates: cands})
	found := false
	for _, p := range pool {
		if p.Mod.SourceID == "baseline-mod" {
			found = true
		}
	}
	assert.True(t, found, "baseline candidate must survive the pool cap")
}

func TestModelSelectionSanitized(t *testing.T) {
	cands := manyCandidates(20, "m", "tech")
	gw := &fakeGateway{response: `{"selections": [
		{"source_id": "m00", "category_index": null, "reason": "core automation", "role": "primary"},
		{"source_id": "m00", "reason": "duplicate", "role": "primary"},
		{"source_id": "not-in-pool", "reason": "hallucinated", "role": "primary"},
		{"source_id": "m01", "category_index": 99, "reason": "bad index", "role": "wizard"},
		{"source_id": "m02", "reason": "fine", "role": "primary"}
	]}`}
	s := New(gw)

	sels, _, err := s.Select(context.Background(), Request{
		Prompt: "tech", MaxMods: 10, Candidates: cands,
	})
	require.NoError(t, err)
	require.Len(t, sels, 3)

	ids := make(map[string]bool)
	for _, sel := range sels {
		assert.False(t, ids[sel.SourceID], "duplicate %s", sel.SourceID)
		ids[sel.SourceID] = true
		assert.Nil(t, sel.CategoryIndex)
	}
	assert.Equal(t, types.RolePrimary, sels[1].Role, "invalid role normalizes")
}

func TestModelSelectionRespectsBudget(t *testing.T) {
	cands := manyCandidates(20, "m", "tech")
	var picks []string
	for i := 0; i < 10; i++ {
		picks = append(picks, fmt.Sprintf(`{"source_id": "m%02d", "reason": "r", "role": "primary"}`, i))
	}
	gw := &fakeGateway{response: `{"selections": [` + strings.Join(picks, ",") + `]}`}
	s := New(gw)

	sels, _, err := s.Select(context.Background(), Request{Prompt: "tech", MaxMods: 5, Candidates: cands})
	require.NoError(t, err)
	assert.Len(t, sels, 5)
}

func TestModelFailureFallsBackToRanking(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	s := New(gw)

	sels, _, err := s.Select(context.Background(), Request{
		Prompt: "tech", MaxMods: 5, Candidates: manyCandidates(20, "m", "tech"),
	})
	require.NoError(t, err)
	assert.Len(t, sels, 5)
}

func TestCancellationPropagates(t *testing.T) {
	gw := &fakeGateway{err: types.WrapError(types.CodeCancelled, types.ErrCancelled, "cancelled")}
	s := New(gw)

	_, _, err := s.Select(context.Background(), Request{
		Prompt: "tech", MaxMods: 5, Candidates: manyCandidates(20, "m", "tech"),
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
}

func TestNoCandidatesIsNoViableSelection(t *testing.T) {
	s := New(&fakeGateway{})
	_, _, err := s.Select(context.Background(), Request{Prompt: "x", MaxMods: 5})
	require.Error(t, err)
	assert.Equal(t, types.CodeNoViableSelection, types.CodeOf(err))
}

func TestBaselineMarkedInPrompt(t *testing.T) {
	cands := manyCandidates(20, "m", "tech")
	cands[3].Baseline = true
	gw := &fakeGateway{response: `{"selections": [{"source_id": "m03", "reason": "baseline", "role": "primary"}]}`}
	s := New(gw)

	_, _, err := s.Select(context.Background(), Request{Prompt: "tech", MaxMods: 5, Candidates: cands})
	require.NoError(t, err)
	assert.Contains(t, gw.lastUser, "[baseline")
}
