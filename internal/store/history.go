package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"packsmith/internal/types"
)

// =============================================================================
// CRASH SESSIONS
// =============================================================================

// InsertCrashSession appends one crash-doctor run. Sessions are append-only
// and owned by the request that created them.
func (s *Store) InsertCrashSession(ctx context.Context, sess *types.CrashSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crash_sessions (id, user_id, crash_log_sanitized,
			board_state_snapshot, root_cause, error_kind, confidence,
			suggestions, warnings, patched_board_state,
			input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CrashLogSanitized,
		marshalJSON(sess.BoardStateSnapshot), sess.RootCause, string(sess.ErrorKind),
		sess.Confidence, marshalJSON(sess.Suggestions), marshalJSON(sess.Warnings),
		marshalJSON(sess.PatchedBoardState),
		sess.TokenUsage.Input, sess.TokenUsage.Output, sess.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert crash session %s: %w", sess.ID, err)
	}
	return nil
}

// GetCrashSession fetches one stored session by id.
func (s *Store) GetCrashSession(ctx context.Context, id string) (*types.CrashSession, error) {
	var sess types.CrashSession
	var snapshot, suggestions, warnings, patched []byte
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, crash_log_sanitized, board_state_snapshot, root_cause,
			error_kind, confidence, suggestions, warnings, patched_board_state,
			input_tokens, output_tokens, created_at
		 FROM crash_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.CrashLogSanitized, &snapshot, &sess.RootCause,
			&kind, &sess.Confidence, &suggestions, &warnings, &patched,
			&sess.TokenUsage.Input, &sess.TokenUsage.Output, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crash session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load crash session %s: %w", id, err)
	}

	sess.ErrorKind = types.ErrorKind(kind)
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &sess.BoardStateSnapshot)
	}
	if len(suggestions) > 0 {
		_ = json.Unmarshal(suggestions, &sess.Suggestions)
	}
	if len(warnings) > 0 {
		_ = json.Unmarshal(warnings, &sess.Warnings)
	}
	if len(patched) > 0 {
		_ = json.Unmarshal(patched, &sess.PatchedBoardState)
	}
	return &sess, nil
}

// =============================================================================
// BUILD RECORDS
// =============================================================================

// BuildRecord is one persisted assembly run.
type BuildRecord struct {
	ID            string
	UserID        string
	Title         string
	Prompt        string
	MCVersion     string
	ModLoader     string
	PackArchetype string
	Architecture  *types.PlannedArchitecture
	BoardState    *types.BoardState
	ModCount      int
	CreatedAt     time.Time
}

// InsertBuild appends one assembly run.
func (s *Store) InsertBuild(ctx context.Context, b *BuildRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builds (id, user_id, title, prompt, mc_version, mod_loader,
			pack_archetype, architecture, board_state, mod_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Title, b.Prompt, b.MCVersion, b.ModLoader,
		b.PackArchetype, marshalJSON(b.Architecture), marshalJSON(b.BoardState),
		b.ModCount, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert build %s: %w", b.ID, err)
	}
	return nil
}

// =============================================================================
// FEEDBACK
// =============================================================================

// FeedbackKind separates build feedback from sort-session feedback.
type FeedbackKind string

const (
	FeedbackBuild          FeedbackKind = "build"
	FeedbackCategorization FeedbackKind = "categorization"
)

// Feedback is one user rating of a build or sort session.
type Feedback struct {
	BuildID string
	Kind    FeedbackKind
	UserID  string
	Rating  int
	Comment string
	Payload map[string]interface{}
}

// RecordFeedback stores feedback idempotently by (build_id, kind): repeated
// submissions for the same build replace the earlier row.
func (s *Store) RecordFeedback(ctx context.Context, f *Feedback) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (build_id, kind, user_id, rating, comment, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(build_id, kind) DO UPDATE SET
			user_id=excluded.user_id, rating=excluded.rating,
			comment=excluded.comment, payload=excluded.payload`,
		f.BuildID, string(f.Kind), f.UserID, f.Rating, f.Comment, marshalJSON(f.Payload))
	if err != nil {
		return fmt.Errorf("failed to record feedback for build %s: %w", f.BuildID, err)
	}
	return nil
}
