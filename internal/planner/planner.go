// Package planner classifies an assembly request and emits the search plan
// that drives hybrid retrieval. One LLM call, with a heuristic fallback so a
// gateway failure degrades the plan instead of failing the pipeline.
package planner

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

// Request is the planner's input.
type Request struct {
	Prompt      string
	MCVersion   string
	ModLoader   string
	MaxMods     int
	CurrentMods []string
}

// Planner builds search plans.
type Planner struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds a planner over the gateway.
func New(gateway llm.Gateway) *Planner {
	return &Planner{gateway: gateway, log: logging.For(logging.ComponentPlanner)}
}

const systemPrompt = `You are the query planner for a Minecraft modpack assembly engine.
Classify the user's request and produce a retrieval plan.

Classification policy:
- "simple_add": the prompt names specific mods, or asks for 15 or fewer mods.
- "performance": the prompt emphasizes optimization, FPS, memory, or lag without a theme.
- "themed_pack": everything else, and always when 20+ mods are requested with topical content (medieval, tech, magic, adventure, ...).

Emit between 3 and 6 search queries mixing both kinds:
- "keyword" queries carry exact mod names or precise terms for full-text search.
- "semantic" queries carry a natural-language description for vector search.
Weights express relative importance (0.5-3.0).
capabilities_focus lists hierarchical capability paths (e.g. "performance.rendering", "magic.spellcasting") relevant to the request.`

const planSchema = `{
  "request_type": "simple_add | performance | themed_pack",
  "use_architecture_planner": bool,
  "search_queries": [{"kind": "keyword | semantic", "text": string, "weight": number}],
  "capabilities_focus": [string],
  "baseline_mods": [string]
}`

// Plan produces the search plan for the request. LLM failures other than
// cancellation fall back to the heuristic plan.
func (p *Planner) Plan(ctx context.Context, req Request) (*types.SearchPlan, error) {
	user := fmt.Sprintf("Request: %s\nTarget: Minecraft %s on %s\nMax mods: %d",
		req.Prompt, req.MCVersion, req.ModLoader, req.MaxMods)
	if len(req.CurrentMods) > 0 {
		user += "\nMods already on the board: " + strings.Join(req.CurrentMods, ", ")
	}

	res, err := p.gateway.Call(ctx, llm.Request{
		Operation:    "query_plan",
		System:       systemPrompt,
		User:         user,
		Schema:       planSchema,
		RequiredKeys: []string{"request_type", "search_queries"},
		Temperature:  0.2,
		MaxTokens:    1024,
	})
	if err != nil {
		if types.CodeOf(err) == types.CodeCancelled {
			return nil, err
		}
		p.log.Warn("plan call failed, using heuristic fallback", zap.Error(err))
		return FallbackPlan(req), nil
	}

	var plan types.SearchPlan
	if err := json.Unmarshal(res.Raw, &plan); err != nil {
		p.log.Warn("plan output unmarshal failed, using heuristic fallback", zap.Error(err))
		return FallbackPlan(req), nil
	}

	normalize(&plan, req)
	p.log.Info("search plan ready",
		zap.String("request_type", string(plan.RequestType)),
		zap.Int("queries", len(plan.SearchQueries)),
		zap.Bool("architecture", plan.UseArchitecturePlanner))
	return &plan, nil
}

// normalize enforces the plan contract regardless of what the model emitted.
func normalize(plan *types.SearchPlan, req Request) {
	switch plan.RequestType {
	case types.RequestSimpleAdd, types.RequestPerformance, types.RequestThemedPack:
	default:
		plan.RequestType = classify(req)
	}

	// The architecture planner runs exactly for themed packs.
	plan.UseArchitecturePlanner = plan.RequestType == types.RequestThemedPack

	queries := plan.SearchQueries[:0]
	for _, q := range plan.SearchQueries {
		if strings.TrimSpace(q.Text) == "" {
			continue
		}
		if q.Kind != types.QueryKeyword && q.Kind != types.QuerySemantic {
			q.Kind = types.QueryKeyword
		}
		if q.Weight <= 0 {
			q.Weight = 1
		}
		queries = append(queries, q)
	}
	plan.SearchQueries = queries

	if len(plan.SearchQueries) < 3 {
		plan.SearchQueries = append(plan.SearchQueries, fallbackQueries(req)...)
	}
	if len(plan.SearchQueries) > 6 {
		plan.SearchQueries = plan.SearchQueries[:6]
	}

	caps := plan.CapabilitiesFocus[:0]
	for _, c := range plan.CapabilitiesFocus {
		if types.ValidCapability(c) {
			caps = append(caps, c)
		}
	}
	plan.CapabilitiesFocus = caps
}

// =============================================================================
// HEURISTIC FALLBACK
// =============================================================================

var performanceWords = []string{
	"fps", "lag", "optimize", "optimization", "performance", "memory",
	"smooth", "faster", "stutter",
}

var addVerbs = []string{"add ", "install ", "include ", "put "}

// classify applies the classification policy without the model.
func classify(req Request) types.RequestType {
	prompt := strings.ToLower(req.Prompt)

	perfHits := 0
	for _, w := range performanceWords {
		if strings.Contains(prompt, w) {
			perfHits++
		}
	}
	wordCount := len(strings.Fields(prompt))
	if perfHits > 0 && wordCount < 15 {
		return types.RequestPerformance
	}

	for _, v := range addVerbs {
		if strings.HasPrefix(prompt, v) && req.MaxMods <= 15 {
			return types.RequestSimpleAdd
		}
	}
	if req.MaxMods > 0 && req.MaxMods <= 15 && wordCount <= 10 {
		return types.RequestSimpleAdd
	}
	return types.RequestThemedPack
}

// FallbackPlan builds a usable plan from the prompt text alone.
func FallbackPlan(req Request) *types.SearchPlan {
	rt := classify(req)
	plan := &types.SearchPlan{
		RequestType:            rt,
		UseArchitecturePlanner: rt == types.RequestThemedPack,
		SearchQueries:          fallbackQueries(req),
	}
	if rt == types.RequestPerformance {
		plan.CapabilitiesFocus = []string{"performance"}
	}
	return plan
}

func fallbackQueries(req Request) []types.SearchQuery {
	prompt := strings.TrimSpace(req.Prompt)
	queries := []types.SearchQuery{
		{Kind: types.QueryKeyword, Text: prompt, Weight: 2},
		{Kind: types.QuerySemantic, Text: prompt, Weight: 1.5},
	}
	// Individual terms catch mods the full phrase misses.
	fields := strings.Fields(prompt)
	if len(fields) > 1 {
		var terms []string
		for _, f := range fields {
			if len(f) >= 4 {
				terms = append(terms, f)
			}
		}
		if len(terms) > 0 {
			queries = append(queries, types.SearchQuery{
				Kind: types.QueryKeyword, Text: strings.Join(terms, " "), Weight: 1,
			})
		}
	}
	if len(queries) < 3 {
		queries = append(queries, types.SearchQuery{
			Kind: types.QuerySemantic,
			Text: fmt.Sprintf("minecraft %s mods for %s", req.ModLoader, prompt),
			Weight: 0.5,
		})
	}
	return queries
}
