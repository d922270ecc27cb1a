// Package resolver computes the required-dependency closure of a selection
// and detects incompatibilities between the resulting mods.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// maxDepth bounds the BFS; dependency chains deeper than this indicate a
// catalog cycle the visited set did not catch.
const maxDepth = 10

// Fetcher is the slice of the mod store the resolver needs.
type Fetcher interface {
	GetModsBatch(ctx context.Context, ids []string) ([]*types.Mod, error)
}

// Conflict is one bidirectional incompatibility between two mods.
type Conflict struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Reason string `json:"reason"`
}

// Unresolved names a required dependency that could not be satisfied.
type Unresolved struct {
	SourceID      string `json:"source_id"`
	MissingReason string `json:"missing_reason"`
}

// Result is the resolver's output. Added dependencies do not count toward the
// user's max_mods cap.
type Result struct {
	AddedDependencies []string     `json:"added_dependencies"`
	AddedMods         []*types.Mod `json:"-"`
	Conflicts         []Conflict   `json:"conflicts,omitempty"`
	Unresolved        []Unresolved `json:"unresolved,omitempty"`
}

// Resolver walks dependency closures against the catalog.
type Resolver struct {
	fetcher Fetcher
	log     *zap.Logger
}

// New builds a resolver.
func New(fetcher Fetcher) *Resolver {
	return &Resolver{fetcher: fetcher, log: logging.For(logging.ComponentResolver)}
}

// Resolve computes the breadth-first closure of required dependencies for the
// selection under the target loader and game version, then checks every pair
// in selection ∪ closure for declared incompatibilities.
//
// Resolution is idempotent: resolving the selection plus its resolved
// dependencies again adds nothing, because everything already present is in
// the visited set before the walk starts.
func (r *Resolver) Resolve(ctx context.Context, selection []*types.Mod, loader, gameVersion string) (*Result, error) {
	res := &Result{}

	visited := make(map[string]bool, len(selection))
	byID := make(map[string]*types.Mod, len(selection))
	for _, m := range selection {
		visited[m.SourceID] = true
		byID[m.SourceID] = m
	}

	// frontier holds project ids still to fetch, deduplicated per level.
	var frontier []string
	for _, m := range selection {
		for _, dep := range m.RequiredDependencyIDs() {
			if !visited[dep] {
				visited[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}

	for depth := 0; len(frontier) > 0 && depth < maxDepth; depth++ {
		mods, err := r.fetcher.GetModsBatch(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch dependency level %d: %w", depth, err)
		}
		found := make(map[string]*types.Mod, len(mods))
		for _, m := range mods {
			found[m.SourceID] = m
		}

		var next []string
		for _, id := range frontier {
			m, ok := found[id]
			if !ok {
				res.Unresolved = append(res.Unresolved, Unresolved{
					SourceID:      id,
					MissingReason: "not present in catalog",
				})
				continue
			}
			if !m.SupportsLoader(loader) {
				res.Unresolved = append(res.Unresolved, Unresolved{
					SourceID:      id,
					MissingReason: fmt.Sprintf("no %s build available", loader),
				})
				continue
			}
			if !m.SupportsGameVersion(gameVersion) {
				res.Unresolved = append(res.Unresolved, Unresolved{
					SourceID:      id,
					MissingReason: fmt.Sprintf("no build for %s", gameVersion),
				})
				continue
			}

			byID[m.SourceID] = m
			res.AddedDependencies = append(res.AddedDependencies, m.SourceID)
			res.AddedMods = append(res.AddedMods, m)

			for _, dep := range m.RequiredDependencyIDs() {
				if !visited[dep] {
					visited[dep] = true
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	if len(frontier) > 0 {
		r.log.Warn("dependency walk hit depth bound",
			zap.Int("remaining", len(frontier)), zap.Int("max_depth", maxDepth))
	}

	res.Conflicts = detectConflicts(byID, loader)

	sort.Strings(res.AddedDependencies)
	r.log.Debug("dependencies resolved",
		zap.Int("selection", len(selection)),
		zap.Int("added", len(res.AddedDependencies)),
		zap.Int("conflicts", len(res.Conflicts)),
		zap.Int("unresolved", len(res.Unresolved)))
	return res, nil
}

// detectConflicts checks every pair bidirectionally: a conflict exists when
// either side declares the other incompatible under the target loader.
func detectConflicts(byID map[string]*types.Mod, loader string) []Conflict {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var conflicts []Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := byID[ids[i]], byID[ids[j]]
			switch {
			case a.IncompatibleWith(loader, b.SourceID):
				conflicts = append(conflicts, Conflict{
					A: a.SourceID, B: b.SourceID,
					Reason: fmt.Sprintf("%s declares %s incompatible on %s", a.Name, b.Name, loader),
				})
			case b.IncompatibleWith(loader, a.SourceID):
				conflicts = append(conflicts, Conflict{
					A: a.SourceID, B: b.SourceID,
					Reason: fmt.Sprintf("%s declares %s incompatible on %s", b.Name, a.Name, loader),
				})
			}
		}
	}
	return conflicts
}
