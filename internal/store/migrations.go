package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Schema versions are tracked in PRAGMA user_version. Each step is additive;
// the external ingestion job owns the catalog content, this service only owns
// the shape of its own write-side tables.
const schemaVersion = 3

// migrate runs the ladder from the stored version to schemaVersion.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	steps := []func(*sql.DB) error{
		migrateV1Base,
		migrateV2RateLimits,
		migrateV3Feedback,
	}

	for v := current; v < schemaVersion; v++ {
		if err := steps[v](s.db); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("failed to bump schema version to %d: %w", v+1, err)
		}
		s.log.Info("schema migrated", zap.Int("version", v+1))
	}
	return nil
}

// migrateV1Base creates the catalog, user, and history tables.
func migrateV1Base(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mods (
			source_id TEXT PRIMARY KEY,
			slug TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			icon_url TEXT NOT NULL DEFAULT '',
			loaders TEXT,
			game_versions TEXT,
			capabilities TEXT,
			modrinth_categories TEXT,
			tags TEXT,
			dependencies TEXT,
			incompatibilities TEXT,
			downloads INTEGER NOT NULL DEFAULT 0,
			followers INTEGER NOT NULL DEFAULT 0,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mods_slug ON mods(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_mods_downloads ON mods(downloads)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS mods_fts USING fts5(
			source_id UNINDEXED, name, slug, summary, description, tags
		)`,

		`CREATE TABLE IF NOT EXISTS modpacks (
			source_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			mc_versions TEXT,
			loaders TEXT,
			architecture TEXT,
			downloads INTEGER NOT NULL DEFAULT 0,
			followers INTEGER NOT NULL DEFAULT 0,
			embedding BLOB
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			subscription_tier TEXT NOT NULL DEFAULT 'free'
		)`,

		`CREATE TABLE IF NOT EXISTS crash_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			crash_log_sanitized TEXT NOT NULL,
			board_state_snapshot TEXT,
			root_cause TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT 'unknown',
			confidence REAL NOT NULL DEFAULT 0,
			suggestions TEXT,
			warnings TEXT,
			patched_board_state TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_crash_sessions_user ON crash_sessions(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			mc_version TEXT NOT NULL DEFAULT '',
			mod_loader TEXT NOT NULL DEFAULT '',
			pack_archetype TEXT NOT NULL DEFAULT '',
			architecture TEXT,
			board_state TEXT,
			mod_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_user ON builds(user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2RateLimits adds the quota counter columns. Guarded adds so a
// database touched by the external migration scripts is not broken by a
// duplicate column.
func migrateV2RateLimits(db *sql.DB) error {
	cols := []struct{ name, decl string }{
		{"daily_requests_used", "INTEGER NOT NULL DEFAULT 0"},
		{"monthly_requests_used", "INTEGER NOT NULL DEFAULT 0"},
		{"ai_tokens_used", "INTEGER NOT NULL DEFAULT 0"},
		{"last_request_date", "TEXT NOT NULL DEFAULT ''"},
		{"custom_limits", "TEXT"},
	}
	for _, c := range cols {
		if hasColumn(db, "users", c.name) {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE users ADD COLUMN %s %s", c.name, c.decl)); err != nil {
			return err
		}
	}
	return nil
}

// migrateV3Feedback adds build and sort-session feedback, idempotent by
// build id.
func migrateV3Feedback(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS feedback (
			build_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'build',
			user_id TEXT NOT NULL DEFAULT '',
			rating INTEGER NOT NULL DEFAULT 0,
			comment TEXT NOT NULL DEFAULT '',
			payload TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (build_id, kind)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
