// Package selector narrows the retrieval candidates to the final mod
// selection. A deterministic pre-filter trims the pool, then one LLM call
// picks the winners; small pools skip the model entirely.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Pool sizing. perCategoryK caps how many candidates each planned category
// contributes; poolCap bounds what the model sees.
const (
	perCategoryK = 6
	poolCap      = 50
)

// Pre-filter weights.
const (
	requiredWeight   = 5.0
	preferredWeight  = 2.0
	downloadBonusCap = 3.0
)

// Candidate is one retrieval result entering selection.
type Candidate struct {
	Mod       *types.Mod
	Retrieval float64
	Baseline  bool
}

// Request carries everything selection needs.
type Request struct {
	Prompt       string
	MaxMods      int
	Candidates   []Candidate
	Architecture *types.PlannedArchitecture // nil for simple and performance flows
	Focus        []string                   // capability focus when no architecture exists
}

// Selector runs the selection stage.
type Selector struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds a selector over the gateway.
func New(gateway llm.Gateway) *Selector {
	return &Selector{gateway: gateway, log: logging.For(logging.ComponentSelector)}
}

// pooled is a candidate that survived the pre-filter, with its pre-filter
// score and the category it was drafted for.
type pooled struct {
	Candidate
	score    float64
	category int // -1 without architecture
}

// Select returns at most MaxMods selections and a short rationale for the
// pick. Postconditions hold regardless of model behavior: no duplicate source
// ids, and every category index is either valid for the architecture or nil.
func (s *Selector) Select(ctx context.Context, req Request) ([]types.SelectedMod, string, error) {
	if len(req.Candidates) == 0 {
		return nil, "", types.NewError(types.CodeNoViableSelection, "no candidates to select from")
	}
	if req.MaxMods <= 0 {
		req.MaxMods = poolCap
	}

	pool := s.prefilter(req)
	if len(pool) == 0 {
		return nil, "", types.NewError(types.CodeNoViableSelection, "no candidates survived pre-filtering")
	}

	// Small pools need no model: everything gets in.
	if len(pool) <= req.MaxMods {
		s.log.Info("pool within budget, skipping selection call",
			zap.Int("pool", len(pool)), zap.Int("max_mods", req.MaxMods))
		return directSelection(pool, req.Architecture), "All retrieved candidates fit within the mod budget.", nil
	}

	selections, explanation, err := s.modelSelect(ctx, req, pool)
	if err != nil {
		if types.CodeOf(err) == types.CodeCancelled {
			return nil, "", err
		}
		s.log.Warn("selection call failed, falling back to pre-filter ranking", zap.Error(err))
		return directSelection(pool[:req.MaxMods], req.Architecture), "Top candidates by retrieval and capability ranking.", nil
	}
	return selections, explanation, nil
}

// =============================================================================
// PRE-FILTER
// =============================================================================

// prefilter scores and trims the candidate pool. With an architecture each
// category drafts its top perCategoryK; the pool is then capped at poolCap by
// score. Baseline candidates always survive.
func (s *Selector) prefilter(req Request) []pooled {
	var pool []pooled

	if req.Architecture != nil && len(req.Architecture.Categories) > 0 {
		drafted := make(map[string]bool)
		for ci, cat := range req.Architecture.Categories {
			var catPool []pooled
			for _, c := range req.Candidates {
				if !c.Mod.HasAnyCapability(cat.RequiredCapabilities) {
					continue
				}
				catPool = append(catPool, pooled{
					Candidate: c,
					score:     prefilterScore(c, cat.RequiredCapabilities, cat.PreferredCapabilities),
					category:  ci,
				})
			}
			sortPool(catPool)
			if len(catPool) > perCategoryK {
				catPool = catPool[:perCategoryK]
			}
			for _, p := range catPool {
				if drafted[p.Mod.SourceID] {
					continue
				}
				drafted[p.Mod.SourceID] = true
				pool = append(pool, p)
			}
		}
		// Baselines enter even when no category drafted them.
		for _, c := range req.Candidates {
			if c.Baseline && !drafted[c.Mod.SourceID] {
				drafted[c.Mod.SourceID] = true
				pool = append(pool, pooled{
					Candidate: c,
					score:     prefilterScore(c, nil, req.Focus),
					category:  -1,
				})
			}
		}
	} else {
		for _, c := range req.Candidates {
			pool = append(pool, pooled{
				Candidate: c,
				score:     prefilterScore(c, req.Focus, nil),
				category:  -1,
			})
		}
	}

	sortPool(pool)
	if len(pool) > poolCap {
		kept := pool[:poolCap]
		// Never cut a baseline from the pool.
		inKept := make(map[string]bool, len(kept))
		for _, p := range kept {
			inKept[p.Mod.SourceID] = true
		}
		for _, p := range pool[poolCap:] {
			if p.Baseline && !inKept[p.Mod.SourceID] {
				kept = append(kept, p)
			}
		}
		pool = kept
	}
	return pool
}

func prefilterScore(c Candidate, required, preferred []string) float64 {
	score := c.Retrieval
	for _, cap := range required {
		if c.Mod.HasCapability(cap) {
			score += requiredWeight
		}
	}
	for _, cap := range preferred {
		if c.Mod.HasCapability(cap) {
			score += preferredWeight
		}
	}
	bonus := math.Log10(float64(c.Mod.Downloads) + 1)
	if bonus > downloadBonusCap {
		bonus = downloadBonusCap
	}
	return score + bonus
}

func sortPool(pool []pooled) {
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].Mod.SourceID < pool[j].Mod.SourceID
	})
}

// directSelection admits the whole pool without a model call.
func directSelection(pool []pooled, arch *types.PlannedArchitecture) []types.SelectedMod {
	out := make([]types.SelectedMod, 0, len(pool))
	for _, p := range pool {
		sel := types.SelectedMod{
			SourceID: p.Mod.SourceID,
			Reason:   "retrieval match",
			Role:     types.RolePrimary,
		}
		if p.Mod.IsLibrary() {
			sel.Role = types.RoleLibrary
		}
		if arch != nil && p.category >= 0 && p.category < len(arch.Categories) {
			ci := p.category
			sel.CategoryIndex = &ci
		}
		out = append(out, sel)
	}
	return out
}

// =============================================================================
// MODEL SELECTION
// =============================================================================

const selectSystem = `You are the final selector for a Minecraft modpack assembly engine.
From the candidate pool, choose the mods that best satisfy the user's request.
Prefer well-known mods that cover distinct capabilities; avoid redundant picks.
Respect the per-category targets when categories are given. Refer to mods
strictly by their source_id and never invent ids.`

const selectSchema = `{
  "selections": [{
    "source_id": string,
    "category_index": int | null,
    "reason": string,
    "role": "primary | library"
  }],
  "explanation": string
}`

func (s *Selector) modelSelect(ctx context.Context, req Request, pool []pooled) ([]types.SelectedMod, string, error) {
	budget := req.MaxMods
	if budget > len(pool) {
		budget = len(pool)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\nPick at most %d mods.\n", req.Prompt, budget)
	if req.Architecture != nil {
		sb.WriteString("\nCategories (index: name, target):\n")
		for i, c := range req.Architecture.Categories {
			fmt.Fprintf(&sb, "%d: %s, target %d\n", i, c.Name, c.TargetMods)
		}
	}
	sb.WriteString("\nCandidates:\n")
	for _, p := range pool {
		marker := ""
		if p.Baseline {
			marker = " [baseline: present in most similar packs]"
		}
		fmt.Fprintf(&sb, "- %s: %s (%d downloads)%s — %s [%s]\n",
			p.Mod.SourceID, p.Mod.Name, p.Mod.Downloads, marker,
			p.Mod.Summary, strings.Join(p.Mod.Capabilities, ", "))
	}

	res, err := s.gateway.Call(ctx, llm.Request{
		Operation:    "final_selection",
		System:       selectSystem,
		User:         sb.String(),
		Schema:       selectSchema,
		RequiredKeys: []string{"selections"},
		Temperature:  0.3,
		MaxTokens:    4096,
	})
	if err != nil {
		return nil, "", err
	}

	var parsed struct {
		Selections  []types.SelectedMod `json:"selections"`
		Explanation string              `json:"explanation"`
	}
	if err := json.Unmarshal(res.Raw, &parsed); err != nil {
		return nil, "", types.WrapError(types.CodeLLMInvalidOutput, err, "selection unmarshal failed")
	}
	if len(parsed.Selections) == 0 {
		return nil, "", types.NewError(types.CodeLLMInvalidOutput, "selection is empty")
	}

	byID := make(map[string]*types.Mod, len(pool))
	for _, p := range pool {
		byID[p.Mod.SourceID] = p.Mod
	}
	return sanitize(parsed.Selections, byID, req.Architecture, req.MaxMods), parsed.Explanation, nil
}

// sanitize enforces the selection postconditions: known ids only, no
// duplicates, category indexes within range or nil, roles well-formed, and
// the budget respected.
func sanitize(selections []types.SelectedMod, byID map[string]*types.Mod, arch *types.PlannedArchitecture, maxMods int) []types.SelectedMod {
	seen := make(map[string]bool, len(selections))
	out := selections[:0]
	for _, sel := range selections {
		mod, ok := byID[sel.SourceID]
		if !ok || seen[sel.SourceID] {
			continue
		}
		seen[sel.SourceID] = true

		if sel.CategoryIndex != nil {
			if arch == nil || *sel.CategoryIndex < 0 || *sel.CategoryIndex >= len(arch.Categories) {
				sel.CategoryIndex = nil
			}
		}
		switch sel.Role {
		case types.RolePrimary, types.RoleLibrary:
		default:
			if mod.IsLibrary() {
				sel.Role = types.RoleLibrary
			} else {
				sel.Role = types.RolePrimary
			}
		}
		if sel.Reason == "" {
			sel.Reason = "selected for request fit"
		}
		out = append(out, sel)
		if len(out) >= maxMods {
			break
		}
	}
	return out
}
