// Package categorize buckets a flat mod selection into the fixed display
// categories used when no pack architecture was planned. One LLM call with a
// per-mod heuristic fallback.
package categorize

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

// The fixed category set, in display order.
var Categories = []string{
	"Performance",
	"Graphics",
	"Utility",
	"World",
	"Gameplay",
	"Content",
	"Libraries",
	"Other",
}

var categorySet = func() map[string]bool {
	set := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		set[c] = true
	}
	return set
}()

// Categorizer assigns mods to the fixed categories.
type Categorizer struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds a categorizer over the gateway.
func New(gateway llm.Gateway) *Categorizer {
	return &Categorizer{gateway: gateway, log: logging.For(logging.ComponentCategorize)}
}

const system = `You categorize Minecraft mods into a fixed set of display categories:
Performance, Graphics, Utility, World, Gameplay, Content, Libraries, Other.
Assign every mod to exactly one category by its primary purpose. Libraries and
APIs always go to Libraries. Refer to mods strictly by their source_id.`

const schema = `{
  "assignments": [{"source_id": string, "category": string}]
}`

// Categorize returns the mods grouped into the fixed categories, empty
// categories omitted, in display order. LLM failures other than cancellation
// degrade to the heuristic.
func (c *Categorizer) Categorize(ctx context.Context, mods []*types.Mod) ([]types.ModGroup, error) {
	if len(mods) == 0 {
		return nil, nil
	}

	assignment, err := c.modelAssign(ctx, mods)
	if err != nil {
		if types.CodeOf(err) == types.CodeCancelled {
			return nil, err
		}
		c.log.Warn("categorize call failed, using heuristic", zap.Error(err))
		assignment = map[string]string{}
	}

	buckets := make(map[string][]*types.Mod, len(Categories))
	for _, m := range mods {
		cat, ok := assignment[m.SourceID]
		if !ok || !categorySet[cat] {
			cat = Heuristic(m)
		}
		// The model does not get to misfile libraries.
		if m.IsLibrary() {
			cat = "Libraries"
		}
		buckets[cat] = append(buckets[cat], m)
	}

	var groups []types.ModGroup
	for _, name := range Categories {
		if len(buckets[name]) > 0 {
			groups = append(groups, types.ModGroup{Name: name, Mods: buckets[name]})
		}
	}
	return groups, nil
}

func (c *Categorizer) modelAssign(ctx context.Context, mods []*types.Mod) (map[string]string, error) {
	var sb strings.Builder
	sb.WriteString("Mods:\n")
	for _, m := range mods {
		fmt.Fprintf(&sb, "- %s: %s — %s [%s]\n",
			m.SourceID, m.Name, m.Summary, strings.Join(m.Capabilities, ", "))
	}

	res, err := c.gateway.Call(ctx, llm.Request{
		Operation:    "categorize",
		System:       system,
		User:         sb.String(),
		Schema:       schema,
		RequiredKeys: []string{"assignments"},
		Temperature:  0.1,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Assignments []struct {
			SourceID string `json:"source_id"`
			Category string `json:"category"`
		} `json:"assignments"`
	}
	if err := json.Unmarshal(res.Raw, &parsed); err != nil {
		return nil, types.WrapError(types.CodeLLMInvalidOutput, err, "categorize unmarshal failed")
	}

	out := make(map[string]string, len(parsed.Assignments))
	for _, a := range parsed.Assignments {
		out[a.SourceID] = a.Category
	}
	return out, nil
}

// heuristic rules checked in order; first match wins.
var heuristicRules = []struct {
	category string
	prefixes []string
}{
	{"Libraries", []string{"dependency.library", "api.exposed", "compatibility"}},
	{"Performance", []string{"performance"}},
	{"Graphics", []string{"graphics", "rendering", "shaders"}},
	{"Utility", []string{"utility", "ui", "storage", "map"}},
	{"World", []string{"world", "exploration", "biomes", "structures", "dimension"}},
	{"Gameplay", []string{"combat", "magic", "tech", "farming", "automation", "adventure"}},
	{"Content", []string{"content", "mobs", "items", "blocks", "food", "decoration"}},
}

// Heuristic categorizes a single mod by its capability roots.
func Heuristic(m *types.Mod) string {
	for _, rule := range heuristicRules {
		for _, p := range rule.prefixes {
			if m.HasCapability(p) {
				return rule.category
			}
		}
	}
	if m.IsLibrary() {
		return "Libraries"
	}
	return "Other"
}
