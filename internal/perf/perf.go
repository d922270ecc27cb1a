// Package perf assembles the baseline performance stack for a loader and
// game version. Mod choice is table-driven through the bridge equivalents so
// loader churn (Sodium vs Embeddium vs Rubidium) stays out of code.
package perf

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"packsmith/internal/bridge"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// requiredLayers are the optimizer tables every performance pack covers, in
// board order.
var requiredLayers = []string{
	"rendering_optimizer",
	"memory_optimizer",
	"culling_optimizer",
}

// Catalog is the store slice the builder needs.
type Catalog interface {
	GetModBySlug(ctx context.Context, slug string) (*types.Mod, error)
}

// Builder resolves the performance stack against the catalog.
type Builder struct {
	policy  *bridge.Policy
	catalog Catalog
	log     *zap.Logger
}

// New builds a performance stack builder.
func New(policy *bridge.Policy, catalog Catalog) *Builder {
	return &Builder{policy: policy, catalog: catalog, log: logging.For(logging.ComponentPipeline)}
}

// Stack returns the catalog mods covering every required optimizer layer for
// the loader/version pair, plus warnings for layers the catalog cannot cover.
// Missing layers never fail the build.
func (b *Builder) Stack(ctx context.Context, loader, mcVersion string) ([]*types.Mod, []string) {
	var mods []*types.Mod
	var warnings []string
	seen := make(map[string]bool)

	for _, layer := range requiredLayers {
		slug, ok := b.policy.EquivalentFor(layer, loader, mcVersion)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("no %s known for %s", layer, loader))
			continue
		}
		if seen[slug] {
			continue
		}
		mod, err := b.catalog.GetModBySlug(ctx, slug)
		if err != nil {
			b.log.Warn("performance layer missing from catalog",
				zap.String("layer", layer), zap.String("slug", slug), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("%s (%s) is not in the catalog", slug, layer))
			continue
		}
		if !mod.SupportsGameVersion(mcVersion) {
			warnings = append(warnings, fmt.Sprintf("%s has no build for %s", slug, mcVersion))
			continue
		}
		seen[slug] = true
		mods = append(mods, mod)
	}
	return mods, warnings
}

// Layers returns the required optimizer table names in board order.
func Layers() []string {
	return append([]string(nil), requiredLayers...)
}
