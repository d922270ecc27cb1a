// Package orchestrator drives the request pipelines: modpack assembly, crash
// analysis, and auto-sort. Each run owns a progress stream, a tracer, and a
// request budget; every external capability is injected so tests run against
// scripted fakes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"packsmith/internal/architect"
	"packsmith/internal/board"
	"packsmith/internal/bridge"
	"packsmith/internal/categorize"
	"packsmith/internal/config"
	"packsmith/internal/crash"
	"packsmith/internal/embedding"
	"packsmith/internal/llm"
	"packsmith/internal/logging"
	"packsmith/internal/metrics"
	"packsmith/internal/perf"
	"packsmith/internal/planner"
	"packsmith/internal/progress"
	"packsmith/internal/quota"
	"packsmith/internal/registry"
	"packsmith/internal/resolver"
	"packsmith/internal/retrieval"
	"packsmith/internal/selector"
	"packsmith/internal/store"
	"packsmith/internal/summary"
	"packsmith/internal/trace"
	"packsmith/internal/types"
)

// referenceK bounds how many reference packs seed the architecture planner.
const referenceK = 10

// Store is the slice of the mod store the pipelines read and write.
type Store interface {
	GetModsBatch(ctx context.Context, ids []string) ([]*types.Mod, error)
	GetModBySlug(ctx context.Context, slug string) (*types.Mod, error)
	ModpackVectorSearch(ctx context.Context, embedding []float32, f store.Filters, k int) ([]store.ScoredModpack, error)
	InsertBuild(ctx context.Context, b *store.BuildRecord) error
	InsertCrashSession(ctx context.Context, sess *types.CrashSession) error
}

// Retriever runs one search plan against the catalog.
type Retriever interface {
	Run(ctx context.Context, plan *types.SearchPlan, opts retrieval.Options) ([]retrieval.Candidate, error)
}

// Deps carries the capabilities an engine is wired from.
type Deps struct {
	Config    *config.Config
	Gateway   llm.Gateway
	Store     Store
	Embedder  embedding.Engine
	Retriever Retriever
	Registry  registry.Client
	Policy    *bridge.Policy
	Gate      *quota.Gate

	// IDs overrides request/build id generation in tests.
	IDs func() string
}

// Engine runs the pipelines. One engine serves all requests; per-request
// state lives on the stack of each run.
type Engine struct {
	cfg       *config.Config
	gateway   llm.Gateway
	store     Store
	embedder  embedding.Engine
	retriever Retriever
	resolver  *resolver.Resolver
	policy    *bridge.Policy
	perf      *perf.Builder
	fixes     *crash.Planner
	gate      *quota.Gate
	dedupe    *crash.DedupeCache
	assembler *board.Assembler
	newID     func() string
	log       *zap.Logger
}

// New wires an engine from its dependencies.
func New(d Deps) *Engine {
	newID := d.IDs
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		cfg:       d.Config,
		gateway:   d.Gateway,
		store:     d.Store,
		embedder:  d.Embedder,
		retriever: d.Retriever,
		resolver:  resolver.New(d.Store),
		policy:    d.Policy,
		perf:      perf.New(d.Policy, d.Store),
		fixes:     crash.NewPlanner(d.Registry),
		gate:      d.Gate,
		dedupe:    crash.NewDedupeCache(d.Config.DedupTTL()),
		assembler: board.New(),
		newID:     newID,
		log:       logging.For(logging.ComponentPipeline),
	}
}

// Admit runs the quota gate for one request. Callers reject before opening a
// stream so quota errors travel as plain HTTP responses.
func (e *Engine) Admit(ctx context.Context, userID string, maxMods int) (*quota.Admission, error) {
	return e.gate.Admit(ctx, userID, maxMods)
}

// =============================================================================
// ASSEMBLY PIPELINE
// =============================================================================

// AssembleRequest is one build-board submission.
type AssembleRequest struct {
	UserID           string
	Prompt           string
	MCVersion        string
	ModLoader        string
	MaxMods          int
	CurrentMods      []string
	ProjectID        string
	FabricCompatMode bool

	// UseArchitecture overrides the configured default for the architecture
	// planner when non-nil.
	UseArchitecture *bool
}

// Stats summarizes one pipeline run for the client.
type Stats struct {
	ModCount          int     `json:"mod_count"`
	DependenciesAdded int     `json:"dependencies_added"`
	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	CostUSD           float64 `json:"cost_usd"`
	ElapsedMS         int64   `json:"elapsed_ms"`
}

// AssemblePayload is the terminal payload of a successful assembly.
type AssemblePayload struct {
	Success     bool              `json:"success"`
	BuildID     string            `json:"build_id"`
	BoardState  *types.BoardState `json:"board_state"`
	Summary     string            `json:"summary"`
	Explanation string            `json:"explanation,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Stats       Stats             `json:"stats"`
}

// Assemble runs the full assembly pipeline and terminates the stream with
// exactly one complete or error event. The admission must already be granted;
// quota is charged only on success.
func (e *Engine) Assemble(ctx context.Context, req AssembleRequest, adm *quota.Admission, stream *progress.Stream) {
	e.assemble(ctx, req, adm, stream, e.gateway)
}

// LegacyAssemble serves the legacy one-shot build: the same pipeline with
// model access switched off, so every LLM-backed stage takes its heuristic
// path. The architecture planner never runs here.
func (e *Engine) LegacyAssemble(ctx context.Context, req AssembleRequest, adm *quota.Admission, stream *progress.Stream) {
	off := false
	req.UseArchitecture = &off
	e.assemble(ctx, req, adm, stream, llm.Disabled())
}

func (e *Engine) assemble(ctx context.Context, req AssembleRequest, adm *quota.Admission, stream *progress.Stream, base llm.Gateway) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AssemblyBudget())
	defer cancel()

	started := time.Now()
	buildID := e.newID()
	tr := trace.New("assembly", buildID)
	gw := llm.Observed(base, tr)
	defer e.recoverPanic("assembly", stream)

	var warnings []string

	// Query planning.
	done := e.stage(tr, stream, "assembly", "planning", "Planning the search")
	plan, err := planner.New(gw).Plan(ctx, planner.Request{
		Prompt:      req.Prompt,
		MCVersion:   req.MCVersion,
		ModLoader:   req.ModLoader,
		MaxMods:     adm.MaxMods,
		CurrentMods: req.CurrentMods,
	})
	done()
	if err != nil {
		e.fail("assembly", "planning", stream, err)
		return
	}

	// Architecture, for themed packs when the planner is enabled.
	var arch *types.PlannedArchitecture
	if plan.UseArchitecturePlanner && e.architectureEnabled(req) {
		done = e.stage(tr, stream, "assembly", "architecture", "Designing the pack architecture")
		refs := e.references(ctx, req)
		var baselines []string
		arch, baselines, err = architect.New(gw).Plan(ctx, req.Prompt, adm.MaxMods, refs)
		done()
		if err != nil {
			e.fail("assembly", "architecture", stream, err)
			return
		}
		plan.BaselineMods = mergeBaselines(plan.BaselineMods, baselines)
	}

	// Performance requests seed selection with the layered optimization
	// stack before retrieval adds the rest.
	var seed []*types.Mod
	if plan.RequestType == types.RequestPerformance {
		done = e.stage(tr, stream, "assembly", "performance_stack", "Selecting the optimization stack")
		var perfWarnings []string
		seed, perfWarnings = e.perf.Stack(ctx, req.ModLoader, req.MCVersion)
		warnings = append(warnings, perfWarnings...)
		done()
	}

	// Hybrid retrieval.
	done = e.stage(tr, stream, "assembly", "retrieval", "Searching the mod catalog")
	cands, err := e.retriever.Run(ctx, plan, retrieval.Options{
		Loader:      req.ModLoader,
		GameVersion: req.MCVersion,
		Parallelism: e.cfg.Pipeline.RequestParallelism,
	})
	done()
	if err != nil {
		e.fail("assembly", "retrieval", stream, err)
		return
	}
	pool := candidatePool(cands, seed)

	// Final selection.
	done = e.stage(tr, stream, "assembly", "selection", "Choosing the final mods")
	sels, explanation, err := selector.New(gw).Select(ctx, selector.Request{
		Prompt:       req.Prompt,
		MaxMods:      adm.MaxMods,
		Candidates:   pool,
		Architecture: arch,
		Focus:        plan.CapabilitiesFocus,
	})
	done()
	if err != nil {
		e.fail("assembly", "selection", stream, err)
		return
	}
	mods, assignment := materialize(sels, pool)

	// Dependency closure.
	done = e.stage(tr, stream, "assembly", "dependencies", "Resolving dependencies")
	resolved, err := e.resolver.Resolve(ctx, mods, req.ModLoader, req.MCVersion)
	done()
	if err != nil {
		e.fail("assembly", "dependencies", stream, err)
		return
	}
	mods = append(mods, resolved.AddedMods...)
	for _, c := range resolved.Conflicts {
		warnings = append(warnings, c.Reason)
	}
	for _, u := range resolved.Unresolved {
		warnings = append(warnings, fmt.Sprintf("dependency %s unresolved: %s", u.SourceID, u.MissingReason))
	}

	// Cross-loader policy.
	done = e.stage(tr, stream, "assembly", "compatibility", "Applying the loader policy")
	outcome := e.policy.Apply(mods, req.ModLoader, req.FabricCompatMode)
	mods = outcome.Kept
	for _, r := range outcome.Removed {
		warnings = append(warnings, fmt.Sprintf("removed %s: %s", r.Slug, r.Reason))
	}
	bridgeMods, bridgeWarnings := e.bridgeMods(ctx, outcome.BridgeSlugs, req.ModLoader, req.MCVersion)
	warnings = append(warnings, bridgeWarnings...)
	mods = appendUnique(mods, bridgeMods)
	done()

	// Grouping: the refiner when an architecture exists, the categorizer
	// otherwise.
	done = e.stage(tr, stream, "assembly", "grouping", "Organizing the board")
	var groups []types.ModGroup
	if arch != nil {
		groups, err = architect.New(gw).Refine(ctx, arch, mods, assignment)
	} else {
		groups, err = categorize.New(gw).Categorize(ctx, mods)
	}
	done()
	if err != nil {
		e.fail("assembly", "grouping", stream, err)
		return
	}

	// Board layout plus the pack description.
	done = e.stage(tr, stream, "assembly", "board", "Laying out the board")
	state := e.assembler.Assemble(req.ProjectID, groups)
	state.FabricCompatMode = req.FabricCompatMode
	packSummary := summary.New(gw).Summarize(ctx, req.Prompt, groups)
	if state.Meta == nil {
		state.Meta = make(map[string]string, 2)
	}
	state.Meta[summary.MetaKey] = packSummary
	tr.AttachTo(state)
	done()

	usage := tr.Usage()
	if err := e.gate.Complete(ctx, adm, usage); err != nil {
		e.log.Error("usage commit failed after assembly", zap.String("build_id", buildID), zap.Error(err))
	}

	record := &store.BuildRecord{
		ID:            buildID,
		UserID:        req.UserID,
		Title:         title(req.Prompt),
		Prompt:        req.Prompt,
		MCVersion:     req.MCVersion,
		ModLoader:     req.ModLoader,
		PackArchetype: archetype(plan, arch),
		Architecture:  arch,
		BoardState:    state,
		ModCount:      len(state.Mods),
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.InsertBuild(ctx, record); err != nil {
		e.log.Warn("build record insert failed", zap.String("build_id", buildID), zap.Error(err))
	}

	report := tr.Report()
	e.exportReport(report)
	metrics.PipelinesTotal.WithLabelValues("assembly", "ok").Inc()
	stream.Complete(&AssemblePayload{
		Success:     true,
		BuildID:     buildID,
		BoardState:  state,
		Summary:     packSummary,
		Explanation: explanation,
		Warnings:    warnings,
		Stats: Stats{
			ModCount:          len(state.Mods),
			DependenciesAdded: len(resolved.AddedDependencies),
			InputTokens:       usage.Input,
			OutputTokens:      usage.Output,
			CostUSD:           report.TotalCost,
			ElapsedMS:         time.Since(started).Milliseconds(),
		},
	})
	e.log.Info("assembly completed",
		zap.String("build_id", buildID),
		zap.String("user_id", req.UserID),
		zap.Int("mods", len(state.Mods)),
		zap.Int("tokens", usage.Total()),
		zap.Duration("elapsed", time.Since(started)))
}

// architectureEnabled resolves the per-request override against the
// configured default.
func (e *Engine) architectureEnabled(req AssembleRequest) bool {
	if req.UseArchitecture != nil {
		return *req.UseArchitecture
	}
	return e.cfg.Pipeline.UseV3Default
}

// references finds reference packs similar to the prompt. Reference search is
// an enrichment; any failure yields an empty set and the architect plans from
// the prompt alone.
func (e *Engine) references(ctx context.Context, req AssembleRequest) []architect.Reference {
	emb, err := e.embedder.Embed(ctx, req.Prompt)
	if err != nil {
		e.log.Warn("reference embedding failed", zap.Error(err))
		return nil
	}
	scored, err := e.store.ModpackVectorSearch(ctx, emb, store.Filters{
		Loader:      req.ModLoader,
		GameVersion: req.MCVersion,
	}, referenceK)
	if err != nil {
		e.log.Warn("reference pack search failed", zap.Error(err))
		return nil
	}
	refs := make([]architect.Reference, len(scored))
	for i, s := range scored {
		refs[i] = architect.Reference{Pack: s.Pack, Score: s.Score}
	}
	return refs
}

// bridgeMods resolves bridge-set slugs through the catalog and walks their
// dependency closure. Missing bridge mods degrade to warnings.
func (e *Engine) bridgeMods(ctx context.Context, slugs []bridge.BridgeMod, loader, gameVersion string) ([]*types.Mod, []string) {
	var mods []*types.Mod
	var warnings []string
	for _, b := range slugs {
		m, err := e.store.GetModBySlug(ctx, b.Slug)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("bridge mod %s not in catalog", b.Slug))
			continue
		}
		mods = append(mods, m)
	}
	if len(mods) == 0 {
		return nil, warnings
	}
	res, err := e.resolver.Resolve(ctx, mods, loader, gameVersion)
	if err != nil {
		warnings = append(warnings, "bridge mod dependency resolution failed")
		return mods, warnings
	}
	return append(mods, res.AddedMods...), warnings
}

// candidatePool merges retrieval results with seed mods into the selector's
// input. Seed mods already retrieved are promoted to baseline instead of
// duplicated.
func candidatePool(cands []retrieval.Candidate, seed []*types.Mod) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(cands)+len(seed))
	index := make(map[string]int, len(cands))
	for i, c := range cands {
		index[c.SourceID] = i
		out = append(out, selector.Candidate{Mod: c.Mod, Retrieval: c.Score, Baseline: c.Baseline})
	}
	for _, m := range seed {
		if i, ok := index[m.SourceID]; ok {
			out[i].Baseline = true
			continue
		}
		out = append(out, selector.Candidate{Mod: m, Baseline: true})
	}
	return out
}

// materialize maps selections back to their mods and records the category
// assignment for the refiner.
func materialize(sels []types.SelectedMod, pool []selector.Candidate) ([]*types.Mod, map[string]int) {
	byID := make(map[string]*types.Mod, len(pool))
	for _, c := range pool {
		byID[c.Mod.SourceID] = c.Mod
	}
	mods := make([]*types.Mod, 0, len(sels))
	assignment := make(map[string]int, len(sels))
	for _, s := range sels {
		m, ok := byID[s.SourceID]
		if !ok {
			continue
		}
		mods = append(mods, m)
		if s.CategoryIndex != nil {
			assignment[s.SourceID] = *s.CategoryIndex
		}
	}
	return mods, assignment
}

// appendUnique appends extras whose source ids are not already present.
func appendUnique(mods, extras []*types.Mod) []*types.Mod {
	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		seen[m.SourceID] = true
	}
	for _, m := range extras {
		if !seen[m.SourceID] {
			seen[m.SourceID] = true
			mods = append(mods, m)
		}
	}
	return mods
}

// mergeBaselines unions two baseline lists preserving first-seen order.
func mergeBaselines(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// title derives the stored build title from the prompt.
func title(prompt string) string {
	const maxTitle = 80
	if len(prompt) <= maxTitle {
		return prompt
	}
	return prompt[:maxTitle]
}

// archetype names the pack style for the build record.
func archetype(plan *types.SearchPlan, arch *types.PlannedArchitecture) string {
	if arch != nil && arch.PackArchetype != "" {
		return arch.PackArchetype
	}
	return string(plan.RequestType)
}

// =============================================================================
// STAGE PLUMBING
// =============================================================================

// stage announces a stage on the stream and times it for the tracer and the
// duration histogram. Call the returned function when the stage ends.
func (e *Engine) stage(tr *trace.Tracer, stream *progress.Stream, pipeline, name, message string) func() {
	stream.Emit(name, message)
	endTrace := tr.Stage(name)
	start := time.Now()
	return func() {
		endTrace()
		metrics.StageDuration.WithLabelValues(pipeline, name).Observe(time.Since(start).Seconds())
	}
}

// fail terminates the stream with the stage's error classification.
func (e *Engine) fail(pipeline, stage string, stream *progress.Stream, err error) {
	e.log.Warn("pipeline failed",
		zap.String("pipeline", pipeline),
		zap.String("stage", stage),
		zap.Error(err))
	metrics.PipelinesTotal.WithLabelValues(pipeline, "error").Inc()
	stream.Fail(types.CodeOf(err), err.Error())
}

// exportReport writes the pipeline report as JSON when a report directory is
// configured. Export is best effort and never fails the run.
func (e *Engine) exportReport(r trace.Report) {
	dir := e.cfg.Pipeline.ReportDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("report directory unavailable", zap.String("dir", dir), zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", r.Pipeline, r.RequestID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.Warn("report export failed", zap.String("path", path), zap.Error(err))
	}
}

// recoverPanic converts a pipeline panic into a terminal internal error.
func (e *Engine) recoverPanic(pipeline string, stream *progress.Stream) {
	if r := recover(); r != nil {
		e.log.Error("pipeline panicked",
			zap.String("pipeline", pipeline),
			zap.Any("panic", r),
			zap.Stack("stack"))
		metrics.PipelinesTotal.WithLabelValues(pipeline, "panic").Inc()
		stream.Fail(types.CodeInternal, "internal error")
	}
}
