package crash

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/registry"
	"packsmith/internal/types"
)

type fakeRegistry struct {
	projects map[string]*registry.Project
	versions map[string]*registry.Version
	err      error
}

func (f *fakeRegistry) GetProject(ctx context.Context, idOrSlug string) (*registry.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.projects[idOrSlug]
	if !ok {
		return nil, registry.ErrProjectNotFound
	}
	return p, nil
}

func (f *fakeRegistry) FindCompatibleVersion(ctx context.Context, idOrSlug, loader, gameVersion string) (*registry.Version, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.versions[idOrSlug], nil
}

func stockRegistry() *fakeRegistry {
	return &fakeRegistry{
		projects: map[string]*registry.Project{
			"fabric-api": {ID: "P7dR8mSH", Slug: "fabric-api", Title: "Fabric API"},
			"sodium":     {ID: "AANobbMI", Slug: "sodium", Title: "Sodium"},
		},
		versions: map[string]*registry.Version{
			"P7dR8mSH": {ID: "v1", VersionNumber: "0.92.0+1.20.1", Files: []struct {
				URL     string `json:"url"`
				Primary bool   `json:"primary"`
			}{{URL: "https://cdn.example/fabric-api.jar", Primary: true}}},
			"AANobbMI": {ID: "v2", VersionNumber: "0.5.8"},
		},
	}
}

func TestMissingDependencyBecomesCriticalAdd(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		ErrorKind:           types.ErrMissingDependency,
		MissingDependencies: []string{"fabric-api"},
	}

	ops, warnings := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	require.NotEmpty(t, ops)
	add := ops[0]
	assert.Equal(t, types.OpAddMod, add.Action)
	assert.Equal(t, types.PriorityCritical, add.Priority)
	assert.Equal(t, "P7dR8mSH", add.SourceID)
	assert.Equal(t, "0.92.0+1.20.1", add.ToVersion)
	assert.Equal(t, "https://cdn.example/fabric-api.jar", add.FileURL)
	assert.Empty(t, warnings)
}

func TestContradictoryRemovalDropped(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		ErrorKind: types.ErrOutdatedMod,
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpRemoveMod, Target: "sodium", Reason: "broken", Priority: types.PriorityHigh},
			{Action: types.OpAddMod, Target: "sodium", Reason: "re-add fixed build", Priority: types.PriorityHigh},
		},
	}

	ops, warnings := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpAddMod, ops[0].Action)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "contradictory")
}

func TestCacheClearAutoAppended(t *testing.T) {
	p := NewPlanner(stockRegistry())
	for _, kind := range []types.ErrorKind{types.ErrMixinError, types.ErrClassNotFound, types.ErrFabricOnForge} {
		ops, _ := p.Plan(context.Background(), &types.CrashAnalysis{ErrorKind: kind}, "1.20.1", "fabric")
		require.Len(t, ops, 1, "kind %s", kind)
		assert.Equal(t, types.OpClearLoaderCache, ops[0].Action)
	}

	// Not for kinds outside the cache-sensitive set.
	ops, _ := p.Plan(context.Background(), &types.CrashAnalysis{ErrorKind: types.ErrMemory}, "1.20.1", "fabric")
	assert.Empty(t, ops)
}

func TestCacheClearNotDuplicated(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		ErrorKind: types.ErrMixinError,
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpClearLoaderCache, Reason: "clear caches", Priority: types.PriorityNormal},
		},
	}
	ops, _ := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	count := 0
	for _, op := range ops {
		if op.Action == types.OpClearLoaderCache {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRegistryFailureDegradesToWarning(t *testing.T) {
	p := NewPlanner(&fakeRegistry{err: errors.New("registry down")})
	analysis := &types.CrashAnalysis{
		ErrorKind: types.ErrMissingDependency,
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpAddMod, Target: "fabric-api", Reason: "missing", Priority: types.PriorityCritical},
		},
	}

	ops, warnings := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	assert.Empty(t, ops, "unverified suggestion must not become an operation")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "could not verify fabric-api")
}

func TestUnknownProjectBecomesWarningOnly(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpUpdateMod, Target: "Totally Made Up Mod", Reason: "update", Priority: types.PriorityHigh},
		},
	}

	ops, warnings := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	assert.Empty(t, ops)
	assert.NotEmpty(t, warnings)
}

func TestFailedValidationSkipsOnlyThatSuggestion(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		ErrorKind: types.ErrOutdatedMod,
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpUpdateMod, Target: "no-such-mod", Reason: "update", Priority: types.PriorityHigh},
			{Action: types.OpUpdateMod, Target: "sodium", Reason: "outdated", Priority: types.PriorityHigh},
		},
	}

	ops, warnings := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	require.Len(t, ops, 1)
	assert.Equal(t, "sodium", ops[0].Target)
	assert.Equal(t, "AANobbMI", ops[0].SourceID)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no-such-mod")
}

func TestOperationsSortedByPriority(t *testing.T) {
	p := NewPlanner(stockRegistry())
	analysis := &types.CrashAnalysis{
		ErrorKind: types.ErrMixinError,
		SuggestedFixes: []types.SuggestedFix{
			{Action: types.OpDisableMod, Target: "optifine", Reason: "conflict", Priority: types.PriorityLow},
			{Action: types.OpRemoveMod, Target: "badmod", Reason: "root cause", Priority: types.PriorityCritical},
			{Action: types.OpUpdateMod, Target: "sodium", Reason: "outdated", Priority: types.PriorityHigh},
		},
	}

	ops, _ := p.Plan(context.Background(), analysis, "1.20.1", "fabric")
	require.Len(t, ops, 4) // three fixes plus the cache clear
	assert.Equal(t, types.PriorityCritical, ops[0].Priority)
	assert.Equal(t, types.PriorityHigh, ops[1].Priority)
	assert.Equal(t, types.PriorityLow, ops[2].Priority)
	assert.Equal(t, types.OpClearLoaderCache, ops[3].Action)
}
