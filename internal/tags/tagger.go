package tags

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Vocabulary is the curated tag system, grouped for prompt context. Assigned
// tags are always validated against it; the model never mints new tags.
var Vocabulary = map[string][]string{
	"performance": {"optimization", "render-optimization", "memory-optimization", "chunk-optimization", "fps-boost", "client-side", "server-side"},
	"graphics":    {"shaders", "textures", "animations", "particles", "lighting", "ambient"},
	"gameplay":    {"combat", "magic", "tech", "automation", "farming", "cooking", "exploration", "adventure", "rpg", "skills"},
	"world":       {"biomes", "structures", "dimensions", "world-generation", "dungeons", "villages"},
	"content":     {"mobs", "bosses", "items", "blocks", "weapons", "armor", "food", "decoration", "furniture"},
	"utility":     {"minimap", "inventory", "storage", "recipe-viewer", "waypoints", "tooltips", "ui", "quality-of-life"},
	"technical":   {"library", "api", "compatibility", "config"},
}

var vocabularySet = func() map[string]bool {
	set := make(map[string]bool)
	for _, group := range Vocabulary {
		for _, tag := range group {
			set[tag] = true
		}
	}
	return set
}()

// tagBatchSize bounds mods per model call; larger lists split into parallel
// batches.
const tagBatchSize = 50

// TagCandidate is one mod submitted for tag assignment.
type TagCandidate struct {
	SourceID    string   `json:"source_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// AssignResult maps source ids to their assigned tags, with the token cost of
// the run. Mods in failed batches are present with empty tags.
type AssignResult struct {
	Tags    map[string][]string `json:"tags"`
	Usage   types.TokenUsage    `json:"usage"`
	CostUSD float64             `json:"cost_usd"`
}

// Tagger assigns vocabulary tags to mods with the model.
type Tagger struct {
	gateway     llm.Gateway
	parallelism int
	log         *zap.Logger
}

// NewTagger builds a tagger over the gateway. parallelism bounds concurrent
// batch calls (<=0 uses 5).
func NewTagger(gateway llm.Gateway, parallelism int) *Tagger {
	if parallelism <= 0 {
		parallelism = 5
	}
	return &Tagger{
		gateway:     gateway,
		parallelism: parallelism,
		log:         logging.For(logging.ComponentTags),
	}
}

const tagSystem = `You analyze Minecraft mods and assign tags from a fixed vocabulary.
Select 3 to 10 tags per mod that describe its actual functionality. Prefer
specific technical tags over generic ones. Only use tags from the provided
vocabulary, and refer to mods strictly by their source_id.`

const tagSchema = `{
  "assignments": [{"source_id": string, "tags": [string]}]
}`

// Assign tags every submitted mod. Batches run in parallel; a failed batch
// yields empty tags for its mods rather than failing the whole run, except
// cancellation, which aborts.
func (t *Tagger) Assign(ctx context.Context, mods []TagCandidate) (*AssignResult, error) {
	result := &AssignResult{Tags: make(map[string][]string, len(mods))}
	if len(mods) == 0 {
		return result, nil
	}

	var batches [][]TagCandidate
	for i := 0; i < len(mods); i += tagBatchSize {
		end := i + tagBatchSize
		if end > len(mods) {
			end = len(mods)
		}
		batches = append(batches, mods[i:end])
	}

	slots := make(chan struct{}, t.parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, batch := range batches {
		wg.Add(1)
		go func(batch []TagCandidate) {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-ctx.Done():
				return
			}

			assigned, usage, cost, err := t.assignBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.log.Warn("tag batch failed", zap.Int("mods", len(batch)), zap.Error(err))
				for _, m := range batch {
					result.Tags[m.SourceID] = []string{}
				}
				return
			}
			for _, m := range batch {
				result.Tags[m.SourceID] = assigned[m.SourceID]
			}
			result.Usage.Input += usage.Input
			result.Usage.Output += usage.Output
			result.CostUSD += cost
		}(batch)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.CodeCancelled, types.ErrCancelled, "tag assignment cancelled")
	}
	return result, nil
}

func (t *Tagger) assignBatch(ctx context.Context, batch []TagCandidate) (map[string][]string, types.TokenUsage, float64, error) {
	var sb strings.Builder
	sb.WriteString("Vocabulary by group:\n")
	for group, groupTags := range Vocabulary {
		fmt.Fprintf(&sb, "- %s: %s\n", group, strings.Join(groupTags, ", "))
	}
	sb.WriteString("\nMods:\n")
	for _, m := range batch {
		desc := m.Description
		if len(desc) > 500 {
			desc = desc[:500]
		}
		fmt.Fprintf(&sb, "- %s: %s — %s [%s]\n",
			m.SourceID, m.Name, desc, strings.Join(m.Categories, ", "))
	}

	res, err := t.gateway.Call(ctx, llm.Request{
		Operation:    "mod_tags",
		System:       tagSystem,
		User:         sb.String(),
		Schema:       tagSchema,
		RequiredKeys: []string{"assignments"},
		Temperature:  0.3,
		MaxTokens:    4096,
	})
	if err != nil {
		return nil, types.TokenUsage{}, 0, err
	}

	var parsed struct {
		Assignments []struct {
			SourceID string   `json:"source_id"`
			Tags     []string `json:"tags"`
		} `json:"assignments"`
	}
	if err := json.Unmarshal(res.Raw, &parsed); err != nil {
		return nil, types.TokenUsage{}, 0, types.WrapError(types.CodeLLMInvalidOutput, err, "tag unmarshal failed")
	}

	out := make(map[string][]string, len(parsed.Assignments))
	for _, a := range parsed.Assignments {
		valid := make([]string, 0, len(a.Tags))
		for _, tag := range a.Tags {
			if vocabularySet[tag] {
				valid = append(valid, tag)
			}
		}
		out[a.SourceID] = valid
	}
	return out, res.Usage, res.CostUSD, nil
}
