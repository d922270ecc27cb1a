// Package retrieval runs the hybrid candidate search: every query in the
// search plan probes its channel (vector or full-text), and the per-query
// rankings are fused with weighted Reciprocal Rank Fusion into one ordered
// candidate list with explainability traces.
package retrieval

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"packsmith/internal/embedding"
	"packsmith/internal/logging"
	"packsmith/internal/store"
	"packsmith/internal/types"
)

// rrfK is the standard Reciprocal Rank Fusion dampening constant.
const rrfK = 60

// Defaults for channel fan-out and the candidate window.
const (
	semanticK           = 40
	keywordK            = 150
	maxCandidates       = 300
	defaultMinDownloads = 5000
	baselineBoost       = 0.05
)

// Searcher is the slice of the mod store the retriever needs.
type Searcher interface {
	VectorSearch(ctx context.Context, embedding []float32, f store.Filters, k int) ([]store.ScoredMod, error)
	KeywordSearch(ctx context.Context, terms string, f store.Filters, k int) ([]store.ScoredMod, error)
	GetModsBatch(ctx context.Context, ids []string) ([]*types.Mod, error)
}

// QueryTrace explains one query's contribution to a candidate's fused score.
type QueryTrace struct {
	Query  string          `json:"query"`
	Kind   types.QueryKind `json:"kind"`
	Rank   int             `json:"rank"`
	Weight float64         `json:"weight"`
	Score  float64         `json:"score"`
}

// Candidate is one fused retrieval result.
type Candidate struct {
	Mod      *types.Mod   `json:"-"`
	SourceID string       `json:"source_id"`
	Score    float64      `json:"score"`
	Baseline bool         `json:"baseline,omitempty"`
	Traces   []QueryTrace `json:"traces,omitempty"`
}

// Options tunes one retrieval run.
type Options struct {
	Loader      string
	GameVersion string
	// MinDownloads overrides the default popularity floor when positive;
	// a negative value disables the floor entirely.
	MinDownloads int64
	// Parallelism bounds concurrent channel probes. Defaults to 8.
	Parallelism int
}

// Retriever executes search plans.
type Retriever struct {
	searcher Searcher
	embedder embedding.Engine
	log      *zap.Logger
}

// New builds a retriever over the given store slice and embedder.
func New(searcher Searcher, embedder embedding.Engine) *Retriever {
	return &Retriever{
		searcher: searcher,
		embedder: embedder,
		log:      logging.For(logging.ComponentRetrieval),
	}
}

type queryHits struct {
	query types.SearchQuery
	hits  []store.ScoredMod
}

// Run executes every query of the plan, fuses the rankings, boosts baseline
// mods, and applies the post-filters. A failed semantic query degrades to its
// keyword siblings; retrieval only fails when every channel fails.
func (r *Retriever) Run(ctx context.Context, plan *types.SearchPlan, opts Options) ([]Candidate, error) {
	minDownloads := int64(defaultMinDownloads)
	if opts.MinDownloads > 0 {
		minDownloads = opts.MinDownloads
	} else if opts.MinDownloads < 0 {
		minDownloads = 0
	}
	filters := store.Filters{
		Loader:       opts.Loader,
		GameVersion:  opts.GameVersion,
		MinDownloads: minDownloads,
		Capabilities: plan.CapabilitiesFocus,
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}

	perQuery := make([]queryHits, len(plan.SearchQueries))
	slots := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	failed := 0

	for i, q := range plan.SearchQueries {
		wg.Add(1)
		go func(idx int, query types.SearchQuery) {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-ctx.Done():
				return
			}

			hits, err := r.probe(ctx, query, filters)
			if err != nil {
				r.log.Warn("retrieval query failed",
					zap.String("query", query.Text),
					zap.String("kind", string(query.Kind)),
					zap.Error(err))
				errMu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			perQuery[idx] = queryHits{query: query, hits: hits}
		}(i, q)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.CodeCancelled, types.ErrCancelled, "retrieval cancelled")
	}
	if failed == len(plan.SearchQueries) && failed > 0 {
		return nil, firstErr
	}

	fused := Fuse(perQuery)
	fused = r.boostBaselines(ctx, fused, plan.BaselineMods, filters)

	// Post-filter: channel queries pre-filter in SQL where they can, but
	// baseline additions and capability-relaxed hits are re-checked here.
	out := fused[:0]
	for _, c := range fused {
		if c.Mod == nil {
			continue
		}
		if opts.Loader != "" && !c.Mod.SupportsLoader(opts.Loader) {
			continue
		}
		if opts.GameVersion != "" && !c.Mod.SupportsGameVersion(opts.GameVersion) {
			continue
		}
		if c.Mod.Downloads < minDownloads && !c.Baseline {
			continue
		}
		out = append(out, c)
	}

	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	r.log.Debug("retrieval complete",
		zap.Int("queries", len(plan.SearchQueries)),
		zap.Int("candidates", len(out)))
	return out, nil
}

// probe runs one query against its channel. Semantic queries that fail to
// embed fall back to the keyword channel for the same text.
func (r *Retriever) probe(ctx context.Context, q types.SearchQuery, filters store.Filters) ([]store.ScoredMod, error) {
	if q.Kind == types.QuerySemantic && r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, embedding.NormalizeText(q.Text))
		if err == nil {
			return r.searcher.VectorSearch(ctx, vec, filters, semanticK)
		}
		r.log.Warn("embedding failed, degrading to keyword search",
			zap.String("query", q.Text), zap.Error(err))
	}
	// Keyword probes ignore the capability focus: lexical matches are exact
	// enough that capability narrowing mostly removes relevant hits.
	kwFilters := filters
	kwFilters.Capabilities = nil
	return r.searcher.KeywordSearch(ctx, q.Text, kwFilters, keywordK)
}

// Fuse combines per-query rankings with weighted Reciprocal Rank Fusion:
// score(mod) = Σ_q w_q · 1/(60 + rank_q). Fusing identical input twice
// produces the same ordering.
func Fuse(perQuery []queryHits) []Candidate {
	byID := make(map[string]*Candidate)
	order := make([]string, 0)

	for _, qh := range perQuery {
		weight := qh.query.Weight
		if weight <= 0 {
			weight = 1
		}
		for rank, hit := range qh.hits {
			id := hit.Mod.SourceID
			c, ok := byID[id]
			if !ok {
				c = &Candidate{Mod: hit.Mod, SourceID: id}
				byID[id] = c
				order = append(order, id)
			}
			contribution := weight / float64(rrfK+rank+1)
			c.Score += contribution
			c.Traces = append(c.Traces, QueryTrace{
				Query:  qh.query.Text,
				Kind:   qh.query.Kind,
				Rank:   rank + 1,
				Weight: weight,
				Score:  contribution,
			})
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	// Stable sort keyed on score with the id as tiebreak keeps fusion
	// deterministic across runs.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// boostBaselines adds the plan's baseline mods to the candidate set (fetching
// any that retrieval missed) and boosts each proportionally to its prevalence
// position in the baseline list.
func (r *Retriever) boostBaselines(ctx context.Context, fused []Candidate, baselines []string, filters store.Filters) []Candidate {
	if len(baselines) == 0 {
		return fused
	}

	byID := make(map[string]int, len(fused))
	for i := range fused {
		byID[fused[i].SourceID] = i
	}

	var missing []string
	for _, id := range baselines {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		mods, err := r.searcher.GetModsBatch(ctx, missing)
		if err != nil {
			r.log.Warn("baseline fetch failed", zap.Error(err))
		} else {
			for _, m := range mods {
				byID[m.SourceID] = len(fused)
				fused = append(fused, Candidate{Mod: m, SourceID: m.SourceID})
			}
		}
	}

	// Earlier baselines appeared in more reference packs; their boost decays
	// with list position.
	for i, id := range baselines {
		idx, ok := byID[id]
		if !ok {
			continue
		}
		fused[idx].Baseline = true
		fused[idx].Score += baselineBoost * float64(len(baselines)-i) / float64(len(baselines))
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].SourceID < fused[j].SourceID
	})
	return fused
}
