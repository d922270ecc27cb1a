package categorize

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
}

func (f *fakeGateway) Call(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Raw: json.RawMessage(f.response)}, nil
}

func capMod(id string, caps ...string) *types.Mod {
	return &types.Mod{SourceID: id, Slug: id, Name: id, Capabilities: caps}
}

func TestCategorizeUsesModelAssignments(t *testing.T) {
	gw := &fakeGateway{response: `{"assignments": [
		{"source_id": "sodium", "category": "Performance"},
		{"source_id": "iris", "category": "Graphics"},
		{"source_id": "create", "category": "Gameplay"}
	]}`}
	c := New(gw)

	groups, err := c.Categorize(context.Background(), []*types.Mod{
		capMod("sodium", "performance.rendering"),
		capMod("iris", "graphics.shaders"),
		capMod("create", "tech.automation"),
	})
	require.NoError(t, err)
	require.Len(t, groups, 3)
	// Display order is fixed.
	assert.Equal(t, "Performance", groups[0].Name)
	assert.Equal(t, "Graphics", groups[1].Name)
	assert.Equal(t, "Gameplay", groups[2].Name)
}

func TestUnknownCategoryFallsToHeuristic(t *testing.T) {
	gw := &fakeGateway{response: `{"assignments": [
		{"source_id": "sodium", "category": "Speedy Things"}
	]}`}
	c := New(gw)

	groups, err := c.Categorize(context.Background(), []*types.Mod{
		capMod("sodium", "performance.rendering"),
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Performance", groups[0].Name)
}

func TestLibrariesNeverMisfiled(t *testing.T) {
	gw := &fakeGateway{response: `{"assignments": [
		{"source_id": "cloth-config", "category": "Gameplay"}
	]}`}
	c := New(gw)

	groups, err := c.Categorize(context.Background(), []*types.Mod{
		capMod("cloth-config", "dependency.library"),
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Libraries", groups[0].Name)
}

func TestGatewayFailureUsesHeuristic(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	c := New(gw)

	groups, err := c.Categorize(context.Background(), []*types.Mod{
		capMod("sodium", "performance.rendering"),
		capMod("yungs", "world.structures"),
		capMod("mystery"),
	})
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "Performance", groups[0].Name)
	assert.Equal(t, "World", groups[1].Name)
	assert.Equal(t, "Other", groups[2].Name)
}

func TestCancellationPropagates(t *testing.T) {
	gw := &fakeGateway{err: types.WrapError(types.CodeCancelled, types.ErrCancelled, "cancelled")}
	c := New(gw)

	_, err := c.Categorize(context.Background(), []*types.Mod{capMod("sodium", "performance")})
	require.Error(t, err)
	assert.Equal(t, types.CodeCancelled, types.CodeOf(err))
}

func TestHeuristicTable(t *testing.T) {
	cases := []struct {
		caps []string
		want string
	}{
		{[]string{"performance.memory"}, "Performance"},
		{[]string{"graphics.shaders"}, "Graphics"},
		{[]string{"utility.minimap"}, "Utility"},
		{[]string{"world.generation"}, "World"},
		{[]string{"magic.spellcasting"}, "Gameplay"},
		{[]string{"mobs.hostile"}, "Content"},
		{[]string{"api.exposed"}, "Libraries"},
		{nil, "Other"},
	}
	for _, tc := range cases {
		got := Heuristic(capMod("m", tc.caps...))
		assert.Equal(t, tc.want, got, "caps %v", tc.caps)
	}
}
