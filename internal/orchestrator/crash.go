package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"packsmith/internal/crash"
	"packsmith/internal/llm"
	"packsmith/internal/metrics"
	"packsmith/internal/progress"
	"packsmith/internal/quota"
	"packsmith/internal/trace"
	"packsmith/internal/types"
)

// CrashRequest is one crash-doctor submission.
type CrashRequest struct {
	UserID    string
	CrashLog  string
	GameLog   string
	MCVersion string
	ModLoader string
	Board     *types.BoardState
}

// CrashPayload is the terminal payload of a crash-doctor run.
type CrashPayload struct {
	Success           bool              `json:"success"`
	SessionID         string            `json:"session_id"`
	RootCause         string            `json:"root_cause"`
	ErrorKind         types.ErrorKind   `json:"error_kind"`
	Confidence        float64           `json:"confidence"`
	Suggestions       []types.Operation `json:"suggestions"`
	PatchedBoardState *types.BoardState `json:"patched_board_state,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	Cached            bool              `json:"cached,omitempty"`
}

// CrashDoctor runs the crash-analysis pipeline and terminates the stream with
// exactly one complete or error event. Repeat submissions of the same log
// within the dedup window return the cached session without another model
// call or quota charge.
func (e *Engine) CrashDoctor(ctx context.Context, req CrashRequest, adm *quota.Admission, stream *progress.Stream) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CrashBudget())
	defer cancel()

	sessionID := e.newID()
	tr := trace.New("crash", sessionID)
	gw := llm.Observed(e.gateway, tr)
	defer e.recoverPanic("crash", stream)

	// Sanitization never fails; it always yields an analyzable log.
	done := e.stage(tr, stream, "crash", "sanitize", "Cleaning the crash log")
	raw := req.CrashLog
	if req.GameLog != "" {
		raw += "\n" + req.GameLog
	}
	sanitized := crash.Sanitize(raw)
	done()

	var warnings []string
	boardSlugs := boardSlugs(req.Board)
	if crash.StaleLogWarning(sanitized.Mods, boardSlugs) {
		warnings = append(warnings, crash.WarningStaleLog)
	}

	mcVersion := sanitized.MCVersion
	if mcVersion == "" {
		mcVersion = req.MCVersion
	}
	loader := sanitized.Loader
	if loader == "" {
		loader = strings.ToLower(req.ModLoader)
	}

	key := e.dedupe.Key(req.UserID, sanitized.Log)
	if cached := e.dedupe.Get(key); cached != nil {
		metrics.PipelinesTotal.WithLabelValues("crash", "cached").Inc()
		stream.Complete(crashPayload(cached, true))
		return
	}

	done = e.stage(tr, stream, "crash", "analysis", "Analyzing the crash")
	analysis, err := crash.NewAnalyzer(gw).Analyze(ctx, sanitized, boardSlugs)
	done()
	if err != nil {
		e.fail("crash", "analysis", stream, err)
		return
	}

	done = e.stage(tr, stream, "crash", "fix_plan", "Validating the fixes")
	ops, planWarnings := e.fixes.Plan(ctx, analysis, mcVersion, loader)
	warnings = append(warnings, planWarnings...)
	done()

	var patched *types.BoardState
	if req.Board != nil {
		done = e.stage(tr, stream, "crash", "patch", "Patching the board")
		patched, ops = crash.PatchBoard(req.Board, ops)
		done()
	}

	session := &types.CrashSession{
		ID:                 sessionID,
		UserID:             req.UserID,
		CrashLogSanitized:  sanitized.Log,
		BoardStateSnapshot: req.Board,
		RootCause:          analysis.RootCause,
		ErrorKind:          analysis.ErrorKind,
		Confidence:         analysis.Confidence,
		Suggestions:        ops,
		Warnings:           warnings,
		PatchedBoardState:  patched,
		TokenUsage:         tr.Usage(),
		CreatedAt:          time.Now().UTC(),
	}
	if err := e.store.InsertCrashSession(ctx, session); err != nil {
		e.log.Warn("crash session insert failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	// Only successful runs populate the cache; a failed run stays retryable.
	e.dedupe.Put(key, session)

	if err := e.gate.Complete(ctx, adm, session.TokenUsage); err != nil {
		e.log.Error("usage commit failed after crash analysis", zap.String("session_id", sessionID), zap.Error(err))
	}

	e.exportReport(tr.Report())
	metrics.PipelinesTotal.WithLabelValues("crash", "ok").Inc()
	stream.Complete(crashPayload(session, false))
	e.log.Info("crash analysis completed",
		zap.String("session_id", sessionID),
		zap.String("user_id", req.UserID),
		zap.String("error_kind", string(session.ErrorKind)),
		zap.Int("suggestions", len(session.Suggestions)))
}

func crashPayload(sess *types.CrashSession, cached bool) *CrashPayload {
	return &CrashPayload{
		Success:           true,
		SessionID:         sess.ID,
		RootCause:         sess.RootCause,
		ErrorKind:         sess.ErrorKind,
		Confidence:        sess.Confidence,
		Suggestions:       sess.Suggestions,
		PatchedBoardState: sess.PatchedBoardState,
		Warnings:          sess.Warnings,
		Cached:            cached,
	}
}

func boardSlugs(b *types.BoardState) []string {
	if b == nil {
		return nil
	}
	slugs := make([]string, 0, len(b.Mods))
	for _, m := range b.Mods {
		if m.Slug != "" {
			slugs = append(slugs, m.Slug)
		}
	}
	return slugs
}
