package crash

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/logging"
	"packsmith/internal/registry"
	"packsmith/internal/types"
)

// Planner turns a crash analysis into an ordered, registry-validated repair
// plan.
type Planner struct {
	registry registry.Client
	log      *zap.Logger
}

// NewPlanner builds a fix planner over the registry client.
func NewPlanner(reg registry.Client) *Planner {
	return &Planner{registry: reg, log: logging.For(logging.ComponentCrash)}
}

// Plan validates the analyzer's suggestions and returns the operations in
// execution order plus any warnings. Registry failures degrade individual
// suggestions, never the plan.
func (p *Planner) Plan(ctx context.Context, analysis *types.CrashAnalysis, mcVersion, loader string) ([]types.Operation, []string) {
	var ops []types.Operation
	var warnings []string

	for _, fix := range analysis.SuggestedFixes {
		op := types.Operation{
			Action:   fix.Action,
			Target:   fix.Target,
			Reason:   fix.Reason,
			Priority: fix.Priority,
		}
		switch fix.Action {
		case types.OpUpdateMod, types.OpAddMod:
			if warning := p.validateAgainstRegistry(ctx, &op, mcVersion, loader); warning != "" {
				warnings = append(warnings, warning)
				continue
			}
		}
		ops = append(ops, op)
	}

	// Every missing dependency becomes a critical add, unless the model
	// already proposed adding it.
	for _, dep := range analysis.MissingDependencies {
		if hasOp(ops, types.OpAddMod, dep) {
			continue
		}
		op := types.Operation{
			Action:   types.OpAddMod,
			Target:   dep,
			Reason:   "required dependency missing from the pack",
			Priority: types.PriorityCritical,
		}
		if warning := p.validateAgainstRegistry(ctx, &op, mcVersion, loader); warning != "" {
			warnings = append(warnings, warning)
			continue
		}
		ops = append(ops, op)
	}

	ops = dropContradictions(ops, &warnings)
	ops = appendCacheClear(ops, analysis.ErrorKind)

	sort.SliceStable(ops, func(i, j int) bool {
		return types.PriorityRank(ops[i].Priority) < types.PriorityRank(ops[j].Priority)
	})

	p.log.Info("fix plan ready",
		zap.Int("operations", len(ops)),
		zap.Int("warnings", len(warnings)),
		zap.String("error_kind", string(analysis.ErrorKind)))
	return ops, warnings
}

// validateAgainstRegistry resolves the target and fills in the concrete
// version to install. Failures return a warning string; the caller surfaces
// the warning instead of the operation.
func (p *Planner) validateAgainstRegistry(ctx context.Context, op *types.Operation, mcVersion, loader string) string {
	project, err := p.registry.GetProject(ctx, normalizeSlug(op.Target))
	if err != nil {
		p.log.Warn("registry project lookup failed",
			zap.String("target", op.Target), zap.Error(err))
		return "could not verify " + op.Target + " against the registry"
	}
	op.SourceID = project.ID
	op.Slug = project.Slug

	version, err := p.registry.FindCompatibleVersion(ctx, project.ID, loader, mcVersion)
	if err != nil {
		p.log.Warn("registry version lookup failed",
			zap.String("target", op.Target), zap.Error(err))
		return "could not verify a compatible version of " + op.Target
	}
	if version == nil {
		return op.Target + " has no published build for " + loader + " " + mcVersion
	}
	op.ToVersion = version.VersionNumber
	op.FileURL = version.PrimaryFileURL()
	return ""
}

// dropContradictions removes a removal when the same target is also being
// added: the add wins, because the analyzer usually means "replace with a
// working version".
func dropContradictions(ops []types.Operation, warnings *[]string) []types.Operation {
	added := make(map[string]bool)
	for _, op := range ops {
		if op.Action == types.OpAddMod {
			added[strings.ToLower(op.Target)] = true
		}
	}
	out := ops[:0]
	for _, op := range ops {
		if (op.Action == types.OpRemoveMod || op.Action == types.OpDisableMod) &&
			added[strings.ToLower(op.Target)] {
			*warnings = append(*warnings,
				"dropped contradictory removal of "+op.Target+" (also being added)")
			continue
		}
		out = append(out, op)
	}
	return out
}

// cacheClearKinds are error kinds where stale loader caches are a common
// culprit; the plan always ends with a cache clear for them.
var cacheClearKinds = map[types.ErrorKind]bool{
	types.ErrMixinError:    true,
	types.ErrClassNotFound: true,
	types.ErrFabricOnForge: true,
}

func appendCacheClear(ops []types.Operation, kind types.ErrorKind) []types.Operation {
	if !cacheClearKinds[kind] {
		return ops
	}
	for _, op := range ops {
		if op.Action == types.OpClearLoaderCache {
			return ops
		}
	}
	return append(ops, types.Operation{
		Action:   types.OpClearLoaderCache,
		Reason:   "stale loader caches commonly cause this failure mode",
		Priority: types.PriorityLow,
	})
}

func hasOp(ops []types.Operation, action types.OpAction, target string) bool {
	for _, op := range ops {
		if op.Action == action && strings.EqualFold(op.Target, target) {
			return true
		}
	}
	return false
}

// normalizeSlug maps a display name to a likely registry slug.
func normalizeSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(s, " ", "-")
}
