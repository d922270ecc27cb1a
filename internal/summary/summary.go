// Package summary writes the short pack description shown with a finished
// board. One cheap LLM call; failures degrade to a counted one-liner.
package summary

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

// MetaKey is where the summary lands in board metadata.
const MetaKey = "summary"

// Summarizer produces pack descriptions.
type Summarizer struct {
	gateway llm.Gateway
	log     *zap.Logger
}

// New builds a summarizer over the gateway.
func New(gateway llm.Gateway) *Summarizer {
	return &Summarizer{gateway: gateway, log: logging.For(logging.ComponentPipeline)}
}

const system = `You write a 2-3 sentence description of an assembled Minecraft modpack
for the player who requested it. Mention the theme and the standout mods.
No marketing fluff, no bullet points.`

const schema = `{"summary": string}`

// Summarize describes the assembled pack. Never fails the pipeline: any
// error yields the deterministic fallback.
func (s *Summarizer) Summarize(ctx context.Context, prompt string, groups []types.ModGroup) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original request: %s\n\nAssembled groups:\n", prompt)
	total := 0
	for _, g := range groups {
		names := make([]string, len(g.Mods))
		for i, m := range g.Mods {
			names[i] = m.Name
		}
		total += len(g.Mods)
		fmt.Fprintf(&sb, "- %s: %s\n", g.Name, strings.Join(names, ", "))
	}

	res, err := s.gateway.Call(ctx, llm.Request{
		Operation:    "pack_summary",
		System:       system,
		User:         sb.String(),
		Schema:       schema,
		RequiredKeys: []string{"summary"},
		Temperature:  0.7,
		MaxTokens:    512,
	})
	if err == nil {
		var parsed struct {
			Summary string `json:"summary"`
		}
		if jsonErr := json.Unmarshal(res.Raw, &parsed); jsonErr == nil && strings.TrimSpace(parsed.Summary) != "" {
			return strings.TrimSpace(parsed.Summary)
		}
	} else {
		s.log.Warn("summary call failed, using fallback", zap.Error(err))
	}
	return Fallback(total, groups)
}

// Fallback is the deterministic description used when the model is
// unavailable.
func Fallback(total int, groups []types.ModGroup) string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	if len(names) == 0 {
		return fmt.Sprintf("A pack of %d mods.", total)
	}
	return fmt.Sprintf("A pack of %d mods across %s.", total, strings.Join(names, ", "))
}
