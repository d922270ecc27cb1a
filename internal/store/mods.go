package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"packsmith/internal/types"
)

// ErrNotFound marks a missing row.
var ErrNotFound = errors.New("not found")

var modCols = []string{
	"source_id", "slug", "name", "summary", "description", "icon_url",
	"loaders", "game_versions", "capabilities", "modrinth_categories", "tags",
	"dependencies", "incompatibilities", "downloads", "followers", "embedding",
}

var modColumns = strings.Join(modCols, ", ")

// prefixedModColumns qualifies every column with an alias for joined queries.
func prefixedModColumns(alias string) string {
	out := make([]string, len(modCols))
	for i, c := range modCols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

// GetMod fetches a single mod by registry id.
func (s *Store) GetMod(ctx context.Context, sourceID string) (*types.Mod, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+modColumns+" FROM mods WHERE source_id = ?", sourceID)
	mod, err := scanMod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mod %s: %w", sourceID, ErrNotFound)
	}
	return mod, err
}

// GetModsBatch fetches mods by id in one query. Missing ids are silently
// absent from the result; callers that care compare lengths.
func (s *Store) GetModsBatch(ctx context.Context, ids []string) ([]*types.Mod, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+modColumns+" FROM mods WHERE source_id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-fetch mods: %w", err)
	}
	defer rows.Close()

	var mods []*types.Mod
	for rows.Next() {
		mod, err := scanMod(rows)
		if err != nil {
			return nil, err
		}
		mods = append(mods, mod)
	}
	return mods, rows.Err()
}

// GetModBySlug fetches a mod by its registry slug.
func (s *Store) GetModBySlug(ctx context.Context, slug string) (*types.Mod, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+modColumns+" FROM mods WHERE slug = ?", slug)
	mod, err := scanMod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mod slug %s: %w", slug, ErrNotFound)
	}
	return mod, err
}

// ScoredMod pairs a mod with its retrieval score. Higher is better for both
// channels; keyword scores are negated BM25 so the ordering matches.
type ScoredMod struct {
	Mod   *types.Mod
	Score float64
}

// VectorSearch returns the k nearest mods to the query embedding by cosine
// similarity. Filters apply before ranking. When the vec extension is
// available ranking runs in SQL; otherwise a brute-force scan decodes each
// candidate's embedding.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, f Filters, k int) ([]ScoredMod, error) {
	if k <= 0 {
		k = 40
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("vector search requires a query embedding")
	}

	if s.vectorExt {
		return s.vectorSearchSQL(ctx, embedding, f, k)
	}
	return s.vectorSearchScan(ctx, embedding, f, k)
}

func (s *Store) vectorSearchSQL(ctx context.Context, embedding []float32, f Filters, k int) ([]ScoredMod, error) {
	// Over-fetch so post-filters applied in Go still leave k results.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modColumns+`, vec_distance_cosine(embedding, ?) AS dist
		 FROM mods WHERE embedding IS NOT NULL AND downloads >= ?
		 ORDER BY dist ASC LIMIT ?`,
		encodeVector(embedding), f.MinDownloads, k*4)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredMod
	for rows.Next() {
		mod, dist, err := scanModWithDist(rows)
		if err != nil {
			return nil, err
		}
		if !matchesFilters(mod, f) {
			continue
		}
		out = append(out, ScoredMod{Mod: mod, Score: 1 - dist})
		if len(out) >= k {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) vectorSearchScan(ctx context.Context, embedding []float32, f Filters, k int) ([]ScoredMod, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+modColumns+" FROM mods WHERE embedding IS NOT NULL AND downloads >= ?",
		f.MinDownloads)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredMod
	for rows.Next() {
		mod, err := scanMod(rows)
		if err != nil {
			return nil, err
		}
		if !matchesFilters(mod, f) {
			continue
		}
		sim := cosineSimilarity(embedding, mod.Embedding)
		out = append(out, ScoredMod{Mod: mod, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// KeywordSearch runs a tokenized full-text query over the FTS index. Score is
// negated BM25 so higher is better.
func (s *Store) KeywordSearch(ctx context.Context, terms string, f Filters, k int) ([]ScoredMod, error) {
	if k <= 0 {
		k = 150
	}
	match := buildFTSQuery(terms)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixedModColumns("m")+`, bm25(mods_fts) AS rank
		 FROM mods_fts JOIN mods m ON m.source_id = mods_fts.source_id
		 WHERE mods_fts MATCH ? AND m.downloads >= ?
		 ORDER BY rank ASC LIMIT ?`,
		match, f.MinDownloads, k*2)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredMod
	for rows.Next() {
		mod, rank, err := scanModWithDist(rows)
		if err != nil {
			return nil, err
		}
		if !matchesFilters(mod, f) {
			continue
		}
		out = append(out, ScoredMod{Mod: mod, Score: -rank})
		if len(out) >= k {
			break
		}
	}
	return out, rows.Err()
}

// buildFTSQuery tokenizes terms into an OR query of quoted tokens.
func buildFTSQuery(terms string) string {
	fields := strings.Fields(terms)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, t := range fields {
		t = strings.Trim(t, `"'`)
		if t == "" {
			continue
		}
		quoted = append(quoted, escapeFTS(t))
	}
	return strings.Join(quoted, " OR ")
}

// matchesFilters applies the set-valued constraints that live in JSON columns.
func matchesFilters(m *types.Mod, f Filters) bool {
	if f.Loader != "" && !m.SupportsLoader(f.Loader) {
		return false
	}
	if f.GameVersion != "" && !m.SupportsGameVersion(f.GameVersion) {
		return false
	}
	if len(f.Capabilities) > 0 && !m.HasAnyCapability(f.Capabilities) {
		return false
	}
	return true
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMod(r rowScanner) (*types.Mod, error) {
	var m types.Mod
	var loaders, versions, caps, cats, tags, deps, incompat, embedding []byte
	err := r.Scan(&m.SourceID, &m.Slug, &m.Name, &m.Summary, &m.Description, &m.IconURL,
		&loaders, &versions, &caps, &cats, &tags, &deps, &incompat,
		&m.Downloads, &m.Followers, &embedding)
	if err != nil {
		return nil, err
	}
	fillMod(&m, loaders, versions, caps, cats, tags, deps, incompat, embedding)
	return &m, nil
}

func scanModWithDist(r rowScanner) (*types.Mod, float64, error) {
	var m types.Mod
	var loaders, versions, caps, cats, tags, deps, incompat, embedding []byte
	var dist float64
	err := r.Scan(&m.SourceID, &m.Slug, &m.Name, &m.Summary, &m.Description, &m.IconURL,
		&loaders, &versions, &caps, &cats, &tags, &deps, &incompat,
		&m.Downloads, &m.Followers, &embedding, &dist)
	if err != nil {
		return nil, 0, err
	}
	fillMod(&m, loaders, versions, caps, cats, tags, deps, incompat, embedding)
	return &m, dist, nil
}

func fillMod(m *types.Mod, loaders, versions, caps, cats, tags, deps, incompat, embedding []byte) {
	m.Loaders = unmarshalStrings(loaders)
	m.GameVersions = unmarshalStrings(versions)
	m.Capabilities = unmarshalStrings(caps)
	m.ModrinthCategories = unmarshalStrings(cats)
	m.Tags = unmarshalStrings(tags)
	if len(deps) > 0 {
		_ = json.Unmarshal(deps, &m.Dependencies)
	}
	if len(incompat) > 0 {
		_ = json.Unmarshal(incompat, &m.Incompatibilities)
	}
	m.Embedding = decodeVector(embedding)
}

// UpsertMod writes a catalog row. Exposed for the ingestion job and tests;
// the pipelines never call it.
func (s *Store) UpsertMod(ctx context.Context, m *types.Mod) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mods (`+modColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
			slug=excluded.slug, name=excluded.name, summary=excluded.summary,
			description=excluded.description, icon_url=excluded.icon_url,
			loaders=excluded.loaders, game_versions=excluded.game_versions,
			capabilities=excluded.capabilities,
			modrinth_categories=excluded.modrinth_categories, tags=excluded.tags,
			dependencies=excluded.dependencies,
			incompatibilities=excluded.incompatibilities,
			downloads=excluded.downloads, followers=excluded.followers,
			embedding=excluded.embedding`,
		m.SourceID, m.Slug, m.Name, m.Summary, m.Description, m.IconURL,
		marshalJSON(m.Loaders), marshalJSON(m.GameVersions), marshalJSON(m.Capabilities),
		marshalJSON(m.ModrinthCategories), marshalJSON(m.Tags),
		marshalJSON(m.Dependencies), marshalJSON(m.Incompatibilities),
		m.Downloads, m.Followers, encodeVector(m.Embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert mod %s: %w", m.SourceID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM mods_fts WHERE source_id = ?`, m.SourceID)
	if err != nil {
		return fmt.Errorf("failed to refresh fts row for %s: %w", m.SourceID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mods_fts (source_id, name, slug, summary, description, tags)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.SourceID, m.Name, m.Slug, m.Summary, m.Description, strings.Join(m.Tags, " "))
	if err != nil {
		return fmt.Errorf("failed to index mod %s: %w", m.SourceID, err)
	}
	return nil
}
