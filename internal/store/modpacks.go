package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"packsmith/internal/types"
)

// ScoredModpack pairs a reference modpack with its similarity score.
type ScoredModpack struct {
	Pack  *types.Modpack
	Score float64
}

// ModpackVectorSearch returns the k reference modpacks nearest to the query
// embedding, filtered by loader and game version.
func (s *Store) ModpackVectorSearch(ctx context.Context, embedding []float32, f Filters, k int) ([]ScoredModpack, error) {
	if k <= 0 {
		k = 10
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("modpack vector search requires a query embedding")
	}

	// Reference packs number in the thousands at most; the brute-force scan
	// is fine even on the accelerated build.
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, title, description, mc_versions, loaders, architecture,
			downloads, followers, embedding
		 FROM modpacks WHERE embedding IS NOT NULL AND downloads >= ?`,
		f.MinDownloads)
	if err != nil {
		return nil, fmt.Errorf("modpack search failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredModpack
	for rows.Next() {
		var p types.Modpack
		var versions, loaders, arch, emb []byte
		if err := rows.Scan(&p.SourceID, &p.Title, &p.Description, &versions, &loaders,
			&arch, &p.Downloads, &p.Followers, &emb); err != nil {
			return nil, err
		}
		p.MCVersions = unmarshalStrings(versions)
		p.Loaders = unmarshalStrings(loaders)
		if len(arch) > 0 {
			_ = json.Unmarshal(arch, &p.Architecture)
		}
		p.Embedding = decodeVector(emb)

		if !packMatches(&p, f) {
			continue
		}
		out = append(out, ScoredModpack{Pack: &p, Score: cosineSimilarity(embedding, p.Embedding)})
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

func packMatches(p *types.Modpack, f Filters) bool {
	if f.Loader != "" && len(p.Loaders) > 0 {
		found := false
		for _, l := range p.Loaders {
			if l == f.Loader || l == types.LoaderUniversal {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.GameVersion != "" && len(p.MCVersions) > 0 {
		found := false
		for _, v := range p.MCVersions {
			if v == f.GameVersion {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// UpsertModpack writes a reference pack row. For ingestion and tests only.
func (s *Store) UpsertModpack(ctx context.Context, p *types.Modpack) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modpacks (source_id, title, description, mc_versions, loaders,
			architecture, downloads, followers, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
			title=excluded.title, description=excluded.description,
			mc_versions=excluded.mc_versions, loaders=excluded.loaders,
			architecture=excluded.architecture, downloads=excluded.downloads,
			followers=excluded.followers, embedding=excluded.embedding`,
		p.SourceID, p.Title, p.Description, marshalJSON(p.MCVersions), marshalJSON(p.Loaders),
		marshalJSON(p.Architecture), p.Downloads, p.Followers, encodeVector(p.Embedding))
	if err != nil {
		return fmt.Errorf("failed to upsert modpack %s: %w", p.SourceID, err)
	}
	return nil
}
