// Package architect plans the category skeleton of a themed pack from
// reference modpacks and refines it against the mods actually selected.
package architect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Tuning constants from the planning policy.
const (
	referenceK        = 10
	baselineThreshold = 0.7
	minRefCaps        = 3
	minRefProviders   = 3
	maxCategories     = 15
	targetTolerance   = 0.2
)

// Reference is one mined reference modpack with its similarity score.
type Reference struct {
	Pack  *types.Modpack
	Score float64
}

// Architect runs the plan and refine calls.
type Architect struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds an architect over the gateway.
func New(gateway llm.Gateway) *Architect {
	return &Architect{gateway: gateway, log: logging.For(logging.ComponentArchitect)}
}

// =============================================================================
// PLAN
// =============================================================================

const planSystem = `You are the pack architect for a Minecraft modpack assembly engine.
Design the category structure for a themed modpack from the user's request and
the reference modpacks provided. Categories partition the pack by gameplay
concern; each category MUST carry at least one required capability path and a
target mod count. Target counts must sum approximately to the requested total.`

const planSchema = `{
  "pack_archetype": string,
  "categories": [{
    "name": string,
    "description": string,
    "required_capabilities": [string],
    "preferred_capabilities": [string],
    "target_mods": int
  }],
  "estimated_total_mods": int
}`

// Plan mines the references and produces the category skeleton. The returned
// baseline list holds mods appearing in at least 70% of usable references,
// ordered by prevalence.
func (a *Architect) Plan(ctx context.Context, prompt string, maxMods int, refs []Reference) (*types.PlannedArchitecture, []string, error) {
	usable := usableReferences(refs)
	baselines := BaselineMods(usable)
	cooccur := capabilityCooccurrence(usable)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\nTotal mods to plan for: %d\nCategory count guidance: %s\n",
		prompt, maxMods, categoryGuidance(maxMods))

	if len(usable) > 0 {
		sb.WriteString("\nReference modpacks (most similar first):\n")
		for i, ref := range usable {
			if i >= referenceK {
				break
			}
			fmt.Fprintf(&sb, "- %s (%d downloads): categories %s\n",
				ref.Pack.Title, ref.Pack.Downloads, strings.Join(categoryNames(ref.Pack), ", "))
		}
	}
	if len(cooccur) > 0 {
		sb.WriteString("\nCapability co-occurrence in references (capability: seen with):\n")
		for _, row := range cooccur {
			fmt.Fprintf(&sb, "- %s: %s\n", row.Capability, strings.Join(row.SeenWith, ", "))
		}
	}

	res, err := a.gateway.Call(ctx, llm.Request{
		Operation:    "architecture_plan",
		System:       planSystem,
		User:         sb.String(),
		Schema:       planSchema,
		RequiredKeys: []string{"categories"},
		Temperature:  0.4,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("architecture plan call failed: %w", err)
	}

	var plan types.PlannedArchitecture
	if err := json.Unmarshal(res.Raw, &plan); err != nil {
		return nil, nil, types.WrapError(types.CodeLLMInvalidOutput, err, "architecture plan unmarshal failed")
	}

	normalizePlan(&plan, maxMods)
	if len(plan.Categories) == 0 {
		return nil, nil, types.NewError(types.CodeLLMInvalidOutput, "architecture plan has no usable categories")
	}

	a.log.Info("architecture planned",
		zap.String("archetype", plan.PackArchetype),
		zap.Int("categories", len(plan.Categories)),
		zap.Int("target_total", plan.TotalTarget()),
		zap.Int("baselines", len(baselines)))
	return &plan, baselines, nil
}

// usableReferences drops references too thin to learn from.
func usableReferences(refs []Reference) []Reference {
	out := refs[:0:0]
	for _, r := range refs {
		if len(r.Pack.AllCapabilities()) < minRefCaps {
			continue
		}
		if len(r.Pack.AllProviderIDs()) < minRefProviders {
			continue
		}
		out = append(out, r)
	}
	return out
}

// BaselineMods returns mods present in at least baselineThreshold of the
// references, most prevalent first.
func BaselineMods(refs []Reference) []string {
	if len(refs) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, r := range refs {
		for _, id := range r.Pack.AllProviderIDs() {
			counts[id]++
		}
	}
	need := int(float64(len(refs))*baselineThreshold + 0.9999)
	type entry struct {
		id    string
		count int
	}
	var qualifying []entry
	for id, c := range counts {
		if c >= need {
			qualifying = append(qualifying, entry{id, c})
		}
	}
	sort.Slice(qualifying, func(i, j int) bool {
		if qualifying[i].count != qualifying[j].count {
			return qualifying[i].count > qualifying[j].count
		}
		return qualifying[i].id < qualifying[j].id
	})
	out := make([]string, len(qualifying))
	for i, e := range qualifying {
		out[i] = e.id
	}
	return out
}

type cooccurRow struct {
	Capability string
	SeenWith   []string
}

// capabilityCooccurrence extracts which capabilities appear together across
// the reference categories, top partners only.
func capabilityCooccurrence(refs []Reference) []cooccurRow {
	pairs := make(map[string]map[string]int)
	for _, r := range refs {
		for _, cat := range r.Pack.Architecture.Categories {
			caps := append(append([]string(nil), cat.RequiredCapabilities...), cat.PreferredCapabilities...)
			for _, ca := range caps {
				for _, cb := range caps {
					if ca == cb {
						continue
					}
					if pairs[ca] == nil {
						pairs[ca] = make(map[string]int)
					}
					pairs[ca][cb]++
				}
			}
		}
	}

	caps := make([]string, 0, len(pairs))
	for c := range pairs {
		caps = append(caps, c)
	}
	sort.Strings(caps)

	var out []cooccurRow
	for _, c := range caps {
		partners := make([]string, 0, len(pairs[c]))
		for p := range pairs[c] {
			partners = append(partners, p)
		}
		sort.Slice(partners, func(i, j int) bool {
			if pairs[c][partners[i]] != pairs[c][partners[j]] {
				return pairs[c][partners[i]] > pairs[c][partners[j]]
			}
			return partners[i] < partners[j]
		})
		if len(partners) > 4 {
			partners = partners[:4]
		}
		out = append(out, cooccurRow{Capability: c, SeenWith: partners})
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func categoryNames(p *types.Modpack) []string {
	names := make([]string, len(p.Architecture.Categories))
	for i, c := range p.Architecture.Categories {
		names[i] = c.Name
	}
	return names
}

// categoryGuidance scales the suggested category count with pack size.
func categoryGuidance(maxMods int) string {
	switch {
	case maxMods <= 15:
		return "2-4 categories"
	case maxMods <= 50:
		return "5-8 categories"
	case maxMods <= 100:
		return "8-12 categories"
	default:
		return "12-20 categories"
	}
}

// normalizePlan enforces the plan contract: every category carries at least
// one required capability, the count stays within bounds, and targets sum to
// within ±20% of maxMods.
func normalizePlan(plan *types.PlannedArchitecture, maxMods int) {
	cats := plan.Categories[:0]
	for _, c := range plan.Categories {
		reqs := c.RequiredCapabilities[:0:0]
		for _, cap := range c.RequiredCapabilities {
			if types.ValidCapability(cap) {
				reqs = append(reqs, cap)
			}
		}
		if len(reqs) == 0 {
			// A category the model forgot to tag still needs a retrieval
			// anchor; derive one from its name.
			fields := strings.Fields(c.Name)
			if len(fields) == 0 {
				continue
			}
			derived := strings.ToLower(fields[0])
			derived = strings.Map(func(r rune) rune {
				if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
					return r
				}
				return -1
			}, derived)
			if derived == "" {
				continue
			}
			reqs = []string{derived}
		}
		c.RequiredCapabilities = reqs
		if c.TargetMods <= 0 {
			c.TargetMods = 1
		}
		cats = append(cats, c)
	}
	if len(cats) > maxCategories {
		cats = cats[:maxCategories]
	}
	// More categories than the mod budget cannot rescale into the tolerance
	// band, because every category keeps at least one mod.
	if maxMods > 0 && len(cats) > maxMods {
		cats = cats[:maxMods]
	}
	plan.Categories = cats

	// Rescale targets when the sum drifts outside the tolerance band.
	total := plan.TotalTarget()
	if total == 0 || maxMods <= 0 {
		return
	}
	lo := float64(maxMods) * (1 - targetTolerance)
	hi := float64(maxMods) * (1 + targetTolerance)
	if float64(total) < lo || float64(total) > hi {
		scale := float64(maxMods) / float64(total)
		for i := range plan.Categories {
			scaled := int(float64(plan.Categories[i].TargetMods)*scale + 0.5)
			if scaled < 1 {
				scaled = 1
			}
			plan.Categories[i].TargetMods = scaled
		}
	}
	plan.EstimatedTotalMods = plan.TotalTarget()
}
