package sorter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

type fakeGateway struct {
	response string
	err      error
	lastTemp float64
	lastUser string
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.lastTemp = req.Temperature
	f.lastUser = req.User
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Raw: json.RawMessage(f.response)}, nil
}

func capMod(id string, caps ...string) *types.Mod {
	return &types.Mod{SourceID: id, Slug: id, Name: id, Capabilities: caps}
}

func TestTemperatureMapping(t *testing.T) {
	assert.Equal(t, 0.0, Temperature(0))
	assert.Equal(t, 1.0, Temperature(5))
	assert.Equal(t, 2.0, Temperature(10))
	// Out of range clamps.
	assert.Equal(t, 0.0, Temperature(-3))
	assert.Equal(t, 2.0, Temperature(99))
}

func TestSortUsesProposalAndTemperature(t *testing.T) {
	gw := &fakeGateway{response: `{"groups": [
		{"name": "Speed Demons", "mod_ids": ["sodium", "lithium"]},
		{"name": "Big Machines", "mod_ids": ["create"]}
	]}`}
	s := New(gw)

	groups, err := s.Sort(context.Background(), []*types.Mod{
		capMod("sodium", "performance"), capMod("lithium", "performance"), capMod("create", "tech"),
	}, 8, 0)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Speed Demons", groups[0].Name)
	assert.Len(t, groups[0].Mods, 2)
	assert.InDelta(t, 1.6, gw.lastTemp, 1e-9)
}

func TestSortReseatsLostMods(t *testing.T) {
	gw := &fakeGateway{response: `{"groups": [
		{"name": "Tech", "mod_ids": ["create", "ghost-id"]}
	]}`}
	s := New(gw)

	groups, err := s.Sort(context.Background(), []*types.Mod{
		capMod("create", "tech"), capMod("sodium", "performance.rendering"),
	}, 3, 0)
	require.NoError(t, err)

	total := 0
	for _, g := range groups {
		total += len(g.Mods)
	}
	assert.Equal(t, 2, total, "every mod placed exactly once")
	assert.Equal(t, "Performance", groups[len(groups)-1].Name)
}

func TestSortFallsBackToHeuristic(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	s := New(gw)

	groups, err := s.Sort(context.Background(), []*types.Mod{
		capMod("sodium", "performance.rendering"), capMod("create", "tech"),
	}, 5, 0)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "Performance", groups[0].Name)
	assert.Equal(t, "Gameplay", groups[1].Name)
}

func TestSortDefaultCategoryLimitInPrompt(t *testing.T) {
	gw := &fakeGateway{response: `{"groups": [{"name": "Tech", "mod_ids": ["create"]}]}`}
	s := New(gw)

	_, err := s.Sort(context.Background(), []*types.Mod{capMod("create", "tech")}, 5, 0)
	require.NoError(t, err)
	assert.Contains(t, gw.lastUser, "at most 10 groups")
}

func TestSortHonorsMaxCategories(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	s := New(gw)

	mods := []*types.Mod{
		capMod("sodium", "performance.rendering"),
		capMod("create", "tech"),
		capMod("jei", "utility"),
	}
	groups, err := s.Sort(context.Background(), mods, 5, 2)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	// The folded overflow keeps every mod placed.
	total := 0
	for _, g := range groups {
		total += len(g.Mods)
	}
	assert.Equal(t, len(mods), total)
}

func TestSortCapsModelGroups(t *testing.T) {
	gw := &fakeGateway{response: `{"groups": [
		{"name": "A", "mod_ids": ["m1"]},
		{"name": "B", "mod_ids": ["m2"]},
		{"name": "C", "mod_ids": ["m3"]}
	]}`}
	s := New(gw)

	groups, err := s.Sort(context.Background(), []*types.Mod{
		capMod("m1"), capMod("m2"), capMod("m3"),
	}, 5, 2)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Contains(t, gw.lastUser, "at most 2 groups")
	assert.Len(t, groups[1].Mods, 2, "overflow folds into the last group")
}

func TestSortCancellationPropagates(t *testing.T) {
	gw := &fakeGateway{err: types.WrapError(types.CodeCancelled, types.ErrCancelled, "cancelled")}
	s := New(gw)

	_, err := s.Sort(context.Background(), []*types.Mod{capMod("m", "tech")}, 5, 0)
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
}

func TestSortEmptyInput(t *testing.T) {
	s := New(&fakeGateway{})
	groups, err := s.Sort(context.Background(), nil, 5, 0)
	require.NoError(t, err)
	assert.Nil(t, groups)
}
