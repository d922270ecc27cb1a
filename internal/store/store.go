// Package store is the SQLite-backed datastore for the mod catalog, reference
// modpacks, users, and the append-only build/session history.
//
// Mods and modpacks are written by an external ingestion job and are strictly
// read-only here. The only writes this package performs are user counters
// (conditional read-modify-write), crash sessions, build records, and
// feedback rows.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"packsmith/internal/logging"
)

// Store wraps the SQLite database. One Store is shared by all requests; the
// single write connection is serialized by SQLite itself.
type Store struct {
	db        *sql.DB
	path      string
	vectorExt bool
	log       *zap.Logger
}

// Open initializes the database at path, creating directories, applying
// pragmas, and running the migration ladder. ":memory:" is supported for
// tests.
func Open(path string) (*Store, error) {
	log := logging.For(logging.ComponentStore)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writes serialized and lets :memory: databases
	// behave; reads are infrequent enough that this is not a bottleneck.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.vectorExt = s.detectVectorExt()
	if s.vectorExt {
		log.Info("vector extension detected, ANN search enabled")
	} else {
		log.Debug("vector extension unavailable, using brute-force cosine scan")
	}

	log.Info("store opened", zap.String("path", path))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// detectVectorExt probes for the sqlite-vec cosine distance function.
func (s *Store) detectVectorExt() bool {
	var out float64
	err := s.db.QueryRow("SELECT vec_distance_cosine(?, ?)",
		encodeVector([]float32{1, 0}), encodeVector([]float32{1, 0})).Scan(&out)
	return err == nil
}

// Filters narrows mod and modpack queries. Zero values mean no constraint.
type Filters struct {
	Loader       string
	GameVersion  string
	MinDownloads int64
	// Capabilities is an any-match set: a mod passes when it declares at
	// least one of these capabilities or a descendant.
	Capabilities []string
}

// =============================================================================
// JSON COLUMN HELPERS
// =============================================================================
// Set-valued mod fields are stored as JSON arrays; NULL and malformed values
// decode to nil rather than failing the row.

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// escapeFTS quotes a token for an FTS5 MATCH expression.
func escapeFTS(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

// placeholders renders "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

