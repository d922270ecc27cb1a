package board

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/types"
)

func depMod(id string, deps ...string) *types.Mod {
	m := &types.Mod{SourceID: id, Slug: id, Name: id, Summary: "about " + id}
	for _, d := range deps {
		m.Dependencies = append(m.Dependencies, types.Dependency{
			ProjectID: d, Type: types.DependencyRequired,
		})
	}
	return m
}

func twoGroups() []types.ModGroup {
	return []types.ModGroup{
		{Name: "Performance", Mods: []*types.Mod{depMod("sodium"), depMod("lithium")}},
		{Name: "Gameplay", Mods: []*types.Mod{depMod("create", "flywheel")}},
	}
}

func TestAssembleLayout(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	state := a.Assemble("proj-1", twoGroups())

	require.Len(t, state.Categories, 2)
	require.Len(t, state.Mods, 3)
	assert.Equal(t, "proj-1", state.ProjectID)

	perf, game := state.Categories[0], state.Categories[1]
	assert.Equal(t, "Performance", perf.Title)
	assert.Equal(t, columnWidth, perf.Width)
	// Columns advance by width plus gap.
	assert.Equal(t, perf.Position.X+columnWidth+columnGap, game.Position.X)
	assert.NotEqual(t, perf.Color, game.Color)

	// Mods stack on the cell pitch inside their column.
	sodium, lithium := state.Mods[0], state.Mods[1]
	assert.Equal(t, perf.ID, sodium.CategoryID)
	assert.Equal(t, 0, sodium.CategoryIndex)
	assert.Equal(t, 1, lithium.CategoryIndex)
	assert.Equal(t, cellPitch, lithium.Position.Y-sodium.Position.Y)
	assert.Equal(t, sodium.Position.X, lithium.Position.X)
}

func TestCategoryIndexUniqueWithinCategory(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	state := a.Assemble("p", twoGroups())

	seen := make(map[string]map[int]bool)
	for _, m := range state.Mods {
		if seen[m.CategoryID] == nil {
			seen[m.CategoryID] = make(map[int]bool)
		}
		assert.False(t, seen[m.CategoryID][m.CategoryIndex],
			"index %d reused within category %s", m.CategoryIndex, m.CategoryID)
		seen[m.CategoryID][m.CategoryIndex] = true
	}
}

func TestAssembleDeterministicWithInjectedIDs(t *testing.T) {
	a1 := NewWithIDs(SequentialIDs("id"))
	a2 := NewWithIDs(SequentialIDs("id"))
	s1 := a1.Assemble("p", twoGroups())
	s2 := a2.Assemble("p", twoGroups())
	if diff := cmp.Diff(s1, s2); diff != "" {
		t.Fatalf("layout not deterministic (-first +second):\n%s", diff)
	}
}

func TestCachedDependenciesOnlyResolveOnBoard(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	groups := []types.ModGroup{
		{Name: "Gameplay", Mods: []*types.Mod{
			depMod("create", "flywheel", "offboard-lib"),
			depMod("flywheel"),
		}},
	}
	state := a.Assemble("p", groups)

	var create *types.BoardMod
	for i := range state.Mods {
		if state.Mods[i].SourceID == "create" {
			create = &state.Mods[i]
		}
	}
	require.NotNil(t, create)
	// Declared deps that are not placed on the board stay out of the cache.
	assert.Equal(t, []string{"flywheel"}, create.CachedDependencies)
}

func TestAppendResolvesDepsAgainstExistingBoard(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	base := a.Assemble("p", []types.ModGroup{
		{Name: "Libraries", Mods: []*types.Mod{depMod("flywheel")}},
	})

	out := a.Append(base, []types.ModGroup{
		{Name: "Gameplay", Mods: []*types.Mod{depMod("create", "flywheel")}},
	})

	var create *types.BoardMod
	for i := range out.Mods {
		if out.Mods[i].SourceID == "create" {
			create = &out.Mods[i]
		}
	}
	require.NotNil(t, create)
	assert.Equal(t, []string{"flywheel"}, create.CachedDependencies)
}

func TestUniqueIDsDistinct(t *testing.T) {
	a := New()
	state := a.Assemble("p", twoGroups())

	seen := make(map[string]bool)
	for _, c := range state.Categories {
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
	}
	for _, m := range state.Mods {
		assert.False(t, seen[m.UniqueID])
		seen[m.UniqueID] = true
	}
}

func TestAppendDoesNotMutateInput(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	base := a.Assemble("p", twoGroups()[:1])
	beforeMods := len(base.Mods)
	beforeCats := len(base.Categories)

	out := a.Append(base, []types.ModGroup{
		{Name: "World", Mods: []*types.Mod{depMod("yungs")}},
	})

	assert.Len(t, base.Mods, beforeMods)
	assert.Len(t, base.Categories, beforeCats)
	require.Len(t, out.Categories, beforeCats+1)
	assert.Equal(t, "World", out.Categories[beforeCats].Title)
	// The appended column sits to the right of the existing one.
	assert.Greater(t, out.Categories[beforeCats].Position.X, base.Categories[0].Position.X)
}

func TestEmptyGroupStillGetsColumn(t *testing.T) {
	a := NewWithIDs(SequentialIDs("id"))
	state := a.Assemble("p", []types.ModGroup{{Name: "Empty"}})
	require.Len(t, state.Categories, 1)
	assert.Empty(t, state.Mods)
	assert.Greater(t, state.Categories[0].Height, headerHeight)
}
