package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"packsmith/internal/llm"
	"packsmith/internal/metrics"
	"packsmith/internal/quota"
	"packsmith/internal/sorter"
	"packsmith/internal/trace"
	"packsmith/internal/types"
)

// SortMod is one board mod submitted for auto-sorting.
type SortMod struct {
	Name        string `json:"name"`
	SourceID    string `json:"source_id"`
	Description string `json:"description,omitempty"`
}

// SortRequest is one auto-sort submission.
type SortRequest struct {
	UserID        string
	Mods          []SortMod
	Creativity    int
	MaxCategories int
}

// SortedCategory is one group in the auto-sort result, in display order.
type SortedCategory struct {
	Name string   `json:"name"`
	Mods []string `json:"mods"`
}

// SortResult is the synchronous auto-sort response.
type SortResult struct {
	Success       bool              `json:"success"`
	Categories    []SortedCategory  `json:"categories"`
	ModToCategory map[string]string `json:"mod_to_category"`
	Stats         Stats             `json:"stats"`
}

// AutoSort groups the submitted mods into named categories. The submitted
// mods are enriched from the catalog where their source ids are known, so
// capability-driven grouping works even for sparse submissions.
func (e *Engine) AutoSort(ctx context.Context, req SortRequest, adm *quota.Admission) (*SortResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AssemblyBudget())
	defer cancel()

	started := time.Now()
	tr := trace.New("auto_sort", e.newID())
	gw := llm.Observed(e.gateway, tr)

	mods := e.enrich(ctx, req.Mods)
	groups, err := sorter.New(gw).Sort(ctx, mods, req.Creativity, req.MaxCategories)
	if err != nil {
		metrics.PipelinesTotal.WithLabelValues("auto_sort", "error").Inc()
		return nil, err
	}

	usage := tr.Usage()
	if err := e.gate.Complete(ctx, adm, usage); err != nil {
		e.log.Error("usage commit failed after auto-sort", zap.String("user_id", req.UserID), zap.Error(err))
	}

	result := &SortResult{
		Success:       true,
		ModToCategory: make(map[string]string, len(mods)),
		Stats: Stats{
			ModCount:     len(mods),
			InputTokens:  usage.Input,
			OutputTokens: usage.Output,
			CostUSD:      tr.Report().TotalCost,
			ElapsedMS:    time.Since(started).Milliseconds(),
		},
	}
	for _, g := range groups {
		cat := SortedCategory{Name: g.Name, Mods: make([]string, 0, len(g.Mods))}
		for _, m := range g.Mods {
			cat.Mods = append(cat.Mods, m.SourceID)
			result.ModToCategory[m.SourceID] = g.Name
		}
		result.Categories = append(result.Categories, cat)
	}
	metrics.PipelinesTotal.WithLabelValues("auto_sort", "ok").Inc()
	return result, nil
}

// enrich replaces submitted stubs with catalog rows where the source id is
// known; unknown mods sort on their submitted name and description alone.
func (e *Engine) enrich(ctx context.Context, submitted []SortMod) []*types.Mod {
	ids := make([]string, 0, len(submitted))
	for _, s := range submitted {
		if s.SourceID != "" {
			ids = append(ids, s.SourceID)
		}
	}
	known := make(map[string]*types.Mod, len(ids))
	if len(ids) > 0 {
		if rows, err := e.store.GetModsBatch(ctx, ids); err == nil {
			for _, m := range rows {
				known[m.SourceID] = m
			}
		} else {
			e.log.Warn("auto-sort catalog enrichment failed", zap.Error(err))
		}
	}

	mods := make([]*types.Mod, 0, len(submitted))
	for _, s := range submitted {
		if m, ok := known[s.SourceID]; ok {
			mods = append(mods, m)
			continue
		}
		// The sorter addresses mods by source id, so stubs without one use
		// their name as the id.
		id := s.SourceID
		if id == "" {
			id = s.Name
		}
		mods = append(mods, &types.Mod{
			SourceID: id,
			Name:     s.Name,
			Summary:  s.Description,
		})
	}
	return mods
}
