package architect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/types"
)

// =============================================================================
// REFINE
// =============================================================================

// Group sizing rules. Oversized gameplay groups split by capability affinity,
// undersized groups merge into their nearest sibling, and a bloated library
// group splits along its role axis.
const (
	maxGroupSize      = 15
	minGroupSize      = 4
	librarySplitSize  = 20
	mergeJaccardFloor = 0.4
)

// Group priority guides board ordering: performance and graphics first, then
// libraries, then gameplay content.
const (
	priorityPerformance = 90
	priorityGraphics    = 90
	priorityLibrary     = 80
	priorityGameplay    = 75
)

const libraryGroupName = "Libraries & APIs"

const refineSystem = `You refine the category grouping of an assembled Minecraft modpack.
You receive the planned categories and the mods selected into each. Propose the
final display groups: rename categories for clarity, move misplaced mods, and
keep libraries and APIs out of gameplay groups. Every mod must appear in
exactly one group. Refer to mods strictly by their source_id.`

const refineSchema = `{
  "groups": [{"name": string, "mod_ids": [string]}]
}`

type refineProposal struct {
	Groups []struct {
		Name   string   `json:"name"`
		ModIDs []string `json:"mod_ids"`
	} `json:"groups"`
}

// Refine produces the final mod groups from the plan, the selected mods, and
// their planned category assignment (source id to category index, missing
// means unassigned). The LLM proposes the grouping; deterministic enforcement
// then guarantees coverage, sizing, and ordering. A refine failure falls back
// to the unrefined grouping.
func (a *Architect) Refine(ctx context.Context, plan *types.PlannedArchitecture, mods []*types.Mod, assignment map[string]int) ([]types.ModGroup, error) {
	if len(mods) == 0 {
		return nil, nil
	}
	byID := make(map[string]*types.Mod, len(mods))
	for _, m := range mods {
		byID[m.SourceID] = m
	}

	baseline := planGroups(plan, mods, assignment)

	proposal, err := a.proposeGroups(ctx, plan, mods, assignment)
	if err != nil {
		if types.CodeOf(err) == types.CodeCancelled {
			return nil, err
		}
		a.log.Warn("refine call failed, keeping planned grouping", zap.Error(err))
		return enforce(baseline, plan), nil
	}

	groups := applyProposal(proposal, byID, baseline)
	return enforce(groups, plan), nil
}

func (a *Architect) proposeGroups(ctx context.Context, plan *types.PlannedArchitecture, mods []*types.Mod, assignment map[string]int) (*refineProposal, error) {
	var sb strings.Builder
	sb.WriteString("Planned categories:\n")
	for i, c := range plan.Categories {
		fmt.Fprintf(&sb, "%d. %s (target %d): %s\n", i, c.Name, c.TargetMods, c.Description)
	}
	sb.WriteString("\nSelected mods:\n")
	for _, m := range mods {
		cat := "unassigned"
		if idx, ok := assignment[m.SourceID]; ok && idx >= 0 && idx < len(plan.Categories) {
			cat = plan.Categories[idx].Name
		}
		fmt.Fprintf(&sb, "- %s (%s) in %q, capabilities: %s\n",
			m.SourceID, m.Name, cat, strings.Join(m.Capabilities, ", "))
	}

	res, err := a.gateway.Call(ctx, llm.Request{
		Operation:    "architecture_refine",
		System:       refineSystem,
		User:         sb.String(),
		Schema:       refineSchema,
		RequiredKeys: []string{"groups"},
		Temperature:  0.3,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, err
	}
	var proposal refineProposal
	if err := json.Unmarshal(res.Raw, &proposal); err != nil {
		return nil, types.WrapError(types.CodeLLMInvalidOutput, err, "refine proposal unmarshal failed")
	}
	if len(proposal.Groups) == 0 {
		return nil, types.NewError(types.CodeLLMInvalidOutput, "refine proposal has no groups")
	}
	return &proposal, nil
}

// planGroups builds the unrefined grouping straight from the plan: one group
// per category plus the library group, unassigned mods joining their best
// capability match.
func planGroups(plan *types.PlannedArchitecture, mods []*types.Mod, assignment map[string]int) []types.ModGroup {
	groups := make([]types.ModGroup, len(plan.Categories))
	for i, c := range plan.Categories {
		groups[i] = types.ModGroup{Name: c.Name}
	}
	var libs []*types.Mod

	for _, m := range mods {
		if m.IsLibrary() {
			libs = append(libs, m)
			continue
		}
		idx, ok := assignment[m.SourceID]
		if !ok || idx < 0 || idx >= len(plan.Categories) {
			idx = bestCategory(plan, m)
		}
		groups[idx].Mods = append(groups[idx].Mods, m)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.Mods) > 0 {
			out = append(out, g)
		}
	}
	if len(libs) > 0 {
		out = append(out, types.ModGroup{Name: libraryGroupName, Mods: libs})
	}
	return out
}

// bestCategory picks the category with the strongest capability overlap,
// defaulting to the last (catch-all) category.
func bestCategory(plan *types.PlannedArchitecture, m *types.Mod) int {
	best, bestScore := len(plan.Categories)-1, 0
	for i, c := range plan.Categories {
		score := 0
		for _, cap := range c.RequiredCapabilities {
			if m.HasCapability(cap) {
				score += 2
			}
		}
		for _, cap := range c.PreferredCapabilities {
			if m.HasCapability(cap) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// applyProposal validates the LLM grouping against the actual selection. Mods
// the proposal dropped rejoin from the baseline grouping; duplicates keep
// their first placement; unknown ids are discarded. Libraries always land in
// the library group regardless of where the model put them.
func applyProposal(proposal *refineProposal, byID map[string]*types.Mod, baseline []types.ModGroup) []types.ModGroup {
	placed := make(map[string]bool, len(byID))
	var groups []types.ModGroup
	var libs []*types.Mod

	for _, pg := range proposal.Groups {
		name := strings.TrimSpace(pg.Name)
		if name == "" {
			continue
		}
		g := types.ModGroup{Name: name}
		for _, id := range pg.ModIDs {
			m, ok := byID[id]
			if !ok || placed[id] {
				continue
			}
			placed[id] = true
			if m.IsLibrary() {
				libs = append(libs, m)
				continue
			}
			g.Mods = append(g.Mods, m)
		}
		if len(g.Mods) > 0 && !strings.EqualFold(g.Name, libraryGroupName) {
			groups = append(groups, g)
		}
	}

	// Re-seat anything the proposal lost, in baseline order.
	for _, bg := range baseline {
		for _, m := range bg.Mods {
			if placed[m.SourceID] {
				continue
			}
			placed[m.SourceID] = true
			if m.IsLibrary() {
				libs = append(libs, m)
				continue
			}
			idx := -1
			for i := range groups {
				if groups[i].Name == bg.Name {
					idx = i
					break
				}
			}
			if idx < 0 {
				groups = append(groups, types.ModGroup{Name: bg.Name})
				idx = len(groups) - 1
			}
			groups[idx].Mods = append(groups[idx].Mods, m)
		}
	}

	if len(libs) > 0 {
		groups = append(groups, types.ModGroup{Name: libraryGroupName, Mods: libs})
	}
	return groups
}

// =============================================================================
// DETERMINISTIC ENFORCEMENT
// =============================================================================

// enforce applies the sizing and ordering rules the model is not trusted with.
func enforce(groups []types.ModGroup, plan *types.PlannedArchitecture) []types.ModGroup {
	groups = splitOversized(groups)
	groups = mergeUndersized(groups)
	groups = splitLibraries(groups)
	sortGroups(groups, plan)
	return groups
}

// splitOversized breaks non-library groups above maxGroupSize into two or
// three subgroups clustered by dominant capability root.
func splitOversized(groups []types.ModGroup) []types.ModGroup {
	var out []types.ModGroup
	for _, g := range groups {
		if len(g.Mods) <= maxGroupSize || g.Name == libraryGroupName {
			out = append(out, g)
			continue
		}
		parts := (len(g.Mods) + maxGroupSize - 1) / maxGroupSize
		if parts > 3 {
			parts = 3
		}
		out = append(out, clusterByAffinity(g, parts)...)
	}
	return out
}

// clusterByAffinity partitions a group into parts buckets keyed by each mod's
// dominant capability root, largest roots first, preserving in-bucket order.
func clusterByAffinity(g types.ModGroup, parts int) []types.ModGroup {
	byRoot := make(map[string][]*types.Mod)
	var rootOrder []string
	for _, m := range g.Mods {
		root := dominantRoot(m)
		if _, seen := byRoot[root]; !seen {
			rootOrder = append(rootOrder, root)
		}
		byRoot[root] = append(byRoot[root], m)
	}
	sort.SliceStable(rootOrder, func(i, j int) bool {
		return len(byRoot[rootOrder[i]]) > len(byRoot[rootOrder[j]])
	})

	buckets := make([]types.ModGroup, parts)
	for i := range buckets {
		buckets[i] = types.ModGroup{Name: g.Name}
	}
	// Round-robin whole roots into the emptiest bucket so related mods stay
	// together.
	for _, root := range rootOrder {
		smallest := 0
		for i := 1; i < parts; i++ {
			if len(buckets[i].Mods) < len(buckets[smallest].Mods) {
				smallest = i
			}
		}
		buckets[smallest].Mods = append(buckets[smallest].Mods, byRoot[root]...)
	}

	var out []types.ModGroup
	n := 0
	for _, b := range buckets {
		if len(b.Mods) == 0 {
			continue
		}
		n++
		if n > 1 {
			b.Name = fmt.Sprintf("%s %s", g.Name, roman(n))
		}
		out = append(out, b)
	}
	return out
}

func roman(n int) string {
	switch n {
	case 2:
		return "II"
	case 3:
		return "III"
	default:
		return "I"
	}
}

func dominantRoot(m *types.Mod) string {
	if len(m.Capabilities) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, c := range m.Capabilities {
		root, _, _ := strings.Cut(c, ".")
		counts[root]++
	}
	best, bestN := "", 0
	for root, n := range counts {
		if n > bestN || (n == bestN && root < best) {
			best, bestN = root, n
		}
	}
	return best
}

// mergeUndersized folds groups below minGroupSize into the sibling with the
// highest capability Jaccard similarity, requiring at least the floor. Groups
// with no similar sibling stay as they are.
func mergeUndersized(groups []types.ModGroup) []types.ModGroup {
	for {
		merged := false
		for i := range groups {
			if len(groups[i].Mods) >= minGroupSize || groups[i].Name == libraryGroupName || len(groups) <= 1 {
				continue
			}
			best, bestSim := -1, 0.0
			for j := range groups {
				if j == i || groups[j].Name == libraryGroupName {
					continue
				}
				sim := capabilityJaccard(groups[i].Mods, groups[j].Mods)
				if sim > bestSim {
					best, bestSim = j, sim
				}
			}
			if best < 0 || bestSim < mergeJaccardFloor {
				continue
			}
			groups[best].Mods = append(groups[best].Mods, groups[i].Mods...)
			groups = append(groups[:i], groups[i+1:]...)
			merged = true
			break
		}
		if !merged {
			return groups
		}
	}
}

func capabilityJaccard(a, b []*types.Mod) float64 {
	setA := capabilityRoots(a)
	setB := capabilityRoots(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for c := range setA {
		if setB[c] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func capabilityRoots(mods []*types.Mod) map[string]bool {
	set := make(map[string]bool)
	for _, m := range mods {
		for _, c := range m.Capabilities {
			root, _, _ := strings.Cut(c, ".")
			if root != "" {
				set[root] = true
			}
		}
	}
	return set
}

// splitLibraries breaks a bloated library group along the role axis.
func splitLibraries(groups []types.ModGroup) []types.ModGroup {
	idx := -1
	for i := range groups {
		if groups[i].Name == libraryGroupName {
			idx = i
			break
		}
	}
	if idx < 0 || len(groups[idx].Mods) < librarySplitSize {
		return groups
	}

	apis := types.ModGroup{Name: "APIs"}
	compat := types.ModGroup{Name: "Compatibility"}
	core := types.ModGroup{Name: "Core Libraries"}
	for _, m := range groups[idx].Mods {
		switch {
		case m.HasCapability("api.exposed"):
			apis.Mods = append(apis.Mods, m)
		case m.HasCapability("compatibility"):
			compat.Mods = append(compat.Mods, m)
		default:
			core.Mods = append(core.Mods, m)
		}
	}

	out := append([]types.ModGroup{}, groups[:idx]...)
	for _, g := range []types.ModGroup{apis, core, compat} {
		if len(g.Mods) > 0 {
			out = append(out, g)
		}
	}
	return append(out, groups[idx+1:]...)
}

// sortGroups orders groups by priority, ties broken by how far the group is
// from its planned target (fuller groups first), then by name.
func sortGroups(groups []types.ModGroup, plan *types.PlannedArchitecture) {
	targets := make(map[string]int, len(plan.Categories))
	for _, c := range plan.Categories {
		targets[c.Name] = c.TargetMods
	}
	hasPerfSignal := false
	for i := range groups {
		if !isLibraryGroup(groups[i].Name) && groupPriority(groups[i]) == priorityPerformance {
			hasPerfSignal = true
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		pi := effectivePriority(groups[i], hasPerfSignal)
		pj := effectivePriority(groups[j], hasPerfSignal)
		if pi != pj {
			return pi > pj
		}
		fi := fillRatio(groups[i], targets)
		fj := fillRatio(groups[j], targets)
		if fi != fj {
			return fi > fj
		}
		return groups[i].Name < groups[j].Name
	})
}

func fillRatio(g types.ModGroup, targets map[string]int) float64 {
	t := targets[g.Name]
	if t <= 0 {
		return 1
	}
	return float64(len(g.Mods)) / float64(t)
}

func isLibraryGroup(name string) bool {
	switch name {
	case libraryGroupName, "APIs", "Core Libraries", "Compatibility":
		return true
	}
	return false
}

func groupPriority(g types.ModGroup) int {
	if isLibraryGroup(g.Name) {
		return priorityLibrary
	}
	perf, graphics := 0, 0
	for _, m := range g.Mods {
		if m.HasCapability("performance") {
			perf++
		}
		if m.HasCapability("graphics") {
			graphics++
		}
	}
	if perf*2 >= len(g.Mods) {
		return priorityPerformance
	}
	if graphics*2 >= len(g.Mods) {
		return priorityGraphics
	}
	return priorityGameplay
}

// effectivePriority promotes libraries to the top when no performance or
// graphics group exists to lead the board.
func effectivePriority(g types.ModGroup, hasPerfSignal bool) int {
	p := groupPriority(g)
	if p == priorityLibrary && !hasPerfSignal {
		return priorityPerformance
	}
	return p
}
