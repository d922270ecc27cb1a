// Package sorter re-groups an existing board's mods on demand. The creativity
// knob maps to model temperature: 0 gives the stock category set, 10 invites
// freely themed group names.
package sorter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/categorize"
	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Creativity bounds. The temperature mapping is linear: 0 -> 0.0, 10 -> 2.0.
const (
	MinCreativity = 0
	MaxCreativity = 10
)

// DefaultMaxCategories bounds the group count when the caller does not ask
// for a specific limit.
const DefaultMaxCategories = 10

// Temperature maps the user-facing creativity knob to model temperature.
func Temperature(creativity int) float64 {
	if creativity < MinCreativity {
		creativity = MinCreativity
	}
	if creativity > MaxCreativity {
		creativity = MaxCreativity
	}
	return float64(creativity) / float64(MaxCreativity) * 2.0
}

// Sorter runs auto-sort.
type Sorter struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds a sorter over the gateway.
func New(gateway llm.Gateway) *Sorter {
	return &Sorter{gateway: gateway, log: logging.For(logging.ComponentCategorize)}
}

const system = `You reorganize the mods of a Minecraft modpack board into named groups.
At low creativity stick to conventional category names (Performance, Gameplay,
Libraries, ...). At high creativity invent evocative thematic names, but the
grouping must still make functional sense. Every mod appears in exactly one
group. Refer to mods strictly by their source_id.`

const schema = `{
  "groups": [{"name": string, "mod_ids": [string]}]
}`

// Sort returns the mods regrouped into at most maxCategories groups. Every
// input mod lands in exactly one output group regardless of model behavior;
// model failures fall back to the fixed heuristic categories.
func (s *Sorter) Sort(ctx context.Context, mods []*types.Mod, creativity, maxCategories int) ([]types.ModGroup, error) {
	if len(mods) == 0 {
		return nil, nil
	}
	if maxCategories <= 0 {
		maxCategories = DefaultMaxCategories
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Creativity level: %d of %d\nUse at most %d groups.\n\nMods:\n",
		creativity, MaxCreativity, maxCategories)
	for _, m := range mods {
		fmt.Fprintf(&sb, "- %s: %s — %s [%s]\n",
			m.SourceID, m.Name, m.Summary, strings.Join(m.Capabilities, ", "))
	}

	res, err := s.gateway.Call(ctx, llm.Request{
		Operation:    "auto_sort",
		System:       system,
		User:         sb.String(),
		Schema:       schema,
		RequiredKeys: []string{"groups"},
		Temperature:  Temperature(creativity),
		MaxTokens:    2048,
	})
	if err != nil {
		if types.CodeOf(err) == types.CodeCancelled {
			return nil, err
		}
		s.log.Warn("auto-sort call failed, using heuristic buckets", zap.Error(err))
		return capGroups(heuristicGroups(mods), maxCategories), nil
	}

	var parsed struct {
		Groups []struct {
			Name   string   `json:"name"`
			ModIDs []string `json:"mod_ids"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(res.Raw, &parsed); err != nil || len(parsed.Groups) == 0 {
		s.log.Warn("auto-sort output unusable, using heuristic buckets", zap.Error(err))
		return capGroups(heuristicGroups(mods), maxCategories), nil
	}

	byID := make(map[string]*types.Mod, len(mods))
	for _, m := range mods {
		byID[m.SourceID] = m
	}
	placed := make(map[string]bool, len(mods))
	var groups []types.ModGroup
	for _, pg := range parsed.Groups {
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
			g.Mods = append(g.Mods, m)
		}
		if len(g.Mods) > 0 {
			groups = append(groups, g)
		}
	}

	// Mods the model lost go to a trailing bucket by heuristic category.
	var lost []*types.Mod
	for _, m := range mods {
		if !placed[m.SourceID] {
			lost = append(lost, m)
		}
	}
	if len(lost) > 0 {
		groups = append(groups, heuristicGroups(lost)...)
	}
	return capGroups(groups, maxCategories), nil
}

// capGroups folds groups beyond the limit into the last kept group, so every
// mod stays placed.
func capGroups(groups []types.ModGroup, limit int) []types.ModGroup {
	if limit <= 0 || len(groups) <= limit {
		return groups
	}
	kept := groups[:limit]
	last := &kept[limit-1]
	for _, g := range groups[limit:] {
		last.Mods = append(last.Mods, g.Mods...)
	}
	return kept
}

func heuristicGroups(mods []*types.Mod) []types.ModGroup {
	buckets := make(map[string][]*types.Mod)
	for _, m := range mods {
		cat := categorize.Heuristic(m)
		buckets[cat] = append(buckets[cat], m)
	}
	var out []types.ModGroup
	for _, name := range categorize.Categories {
		if len(buckets[name]) > 0 {
			out = append(out, types.ModGroup{Name: name, Mods: buckets[name]})
		}
	}
	return out
}
