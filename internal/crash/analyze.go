package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Analyzer runs the crash analysis model call.
type Analyzer struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// NewAnalyzer builds an analyzer over the gateway.
func NewAnalyzer(gateway llm.Gateway) *Analyzer {
	return &Analyzer{gateway: gateway, log: logging.For(logging.ComponentCrash)}
}

const analyzeSystem = `You are a Minecraft crash analyst. Read the sanitized crash log and the
player's mod list and identify the root cause. Classify it as one of:
mod_conflict, missing_dependency, outdated_mod, mixin_error, class_not_found,
fabric_on_forge, memory, unknown.
Name problematic mods exactly as they appear in the log's mod table. Suggest
concrete fixes using only these actions: remove_mod, disable_mod, update_mod,
add_mod, clear_loader_cache. Confidence is 0.0-1.0.`

const analyzeSchema = `{
  "root_cause": string,
  "error_kind": "mod_conflict | missing_dependency | outdated_mod | mixin_error | class_not_found | fabric_on_forge | memory | unknown",
  "problematic_mods": [{"name": string, "reason": string}],
  "missing_dependencies": [string],
  "confidence": number,
  "suggested_fixes": [{"action": string, "target_mod": string, "reason": string, "priority": "critical | high | normal | low"}]
}`

// Analyze produces the structured analysis for a sanitized log.
func (a *Analyzer) Analyze(ctx context.Context, s *Sanitized, boardSlugs []string) (*types.CrashAnalysis, error) {
	var sb strings.Builder
	if s.MCVersion != "" {
		fmt.Fprintf(&sb, "Minecraft version: %s\n", s.MCVersion)
	}
	if s.Loader != "" {
		fmt.Fprintf(&sb, "Mod loader: %s\n", s.Loader)
	}
	if s.KindHint != "" {
		fmt.Fprintf(&sb, "Heuristic hint (verify, do not trust): %s\n", s.KindHint)
	}
	if len(boardSlugs) > 0 {
		fmt.Fprintf(&sb, "Mods on the player's board: %s\n", strings.Join(boardSlugs, ", "))
	}
	fmt.Fprintf(&sb, "\nCrash log:\n%s\n", s.Log)

	res, err := a.gateway.Call(ctx, llm.Request{
		Operation:    "crash_analysis",
		System:       analyzeSystem,
		User:         sb.String(),
		Schema:       analyzeSchema,
		RequiredKeys: []string{"root_cause", "error_kind", "confidence"},
		Temperature:  0.1,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, fmt.Errorf("crash analysis call failed: %w", err)
	}

	var analysis types.CrashAnalysis
	if err := json.Unmarshal(res.Raw, &analysis); err != nil {
		return nil, types.WrapError(types.CodeLLMInvalidOutput, err, "crash analysis unmarshal failed")
	}
	normalizeAnalysis(&analysis)

	a.log.Info("crash analyzed",
		zap.String("error_kind", string(analysis.ErrorKind)),
		zap.Float64("confidence", analysis.Confidence),
		zap.Int("fixes", len(analysis.SuggestedFixes)))
	return &analysis, nil
}

func normalizeAnalysis(a *types.CrashAnalysis) {
	switch a.ErrorKind {
	case types.ErrModConflict, types.ErrMissingDependency, types.ErrOutdatedMod,
		types.ErrMixinError, types.ErrClassNotFound, types.ErrFabricOnForge,
		types.ErrMemory, types.ErrUnknownCrash:
	default:
		a.ErrorKind = types.ErrUnknownCrash
	}

	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}

	fixes := a.SuggestedFixes[:0]
	for _, f := range a.SuggestedFixes {
		switch f.Action {
		case types.OpRemoveMod, types.OpDisableMod, types.OpUpdateMod,
			types.OpAddMod, types.OpClearLoaderCache:
		default:
			continue
		}
		if f.Target == "" && f.Action != types.OpClearLoaderCache {
			continue
		}
		switch f.Priority {
		case types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow:
		default:
			f.Priority = types.PriorityNormal
		}
		fixes = append(fixes, f)
	}
	a.SuggestedFixes = fixes
}
