// Package tags serves mod tag lookups for the board UI: capabilities,
// curated tags, and registry categories per mod, straight from the catalog.
package tags

import (
	"context"

	"go.uber.org/zap"

	"packsmith/internal/logging"
	"packsmith/internal/types"
)

// Catalog is the store slice the service reads.
type Catalog interface {
	GetModBySlug(ctx context.Context, slug string) (*types.Mod, error)
	GetModsBatch(ctx context.Context, ids []string) ([]*types.Mod, error)
}

// ModTags is one mod's tag bundle.
type ModTags struct {
	SourceID     string   `json:"source_id"`
	Slug         string   `json:"slug"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	IsLibrary    bool     `json:"is_library"`
}

// Service answers tag queries.
type Service struct {
	catalog Catalog
	log     *zap.Logger
}

// New builds the tag service.
func New(catalog Catalog) *Service {
	return &Service{catalog: catalog, log: logging.For(logging.ComponentTags)}
}

// ForIDs returns tags for the given source ids. Unknown ids are simply
// absent from the result.
func (s *Service) ForIDs(ctx context.Context, ids []string) (map[string]ModTags, error) {
	mods, err := s.catalog.GetModsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ModTags, len(mods))
	for _, m := range mods {
		out[m.SourceID] = fromMod(m)
	}
	return out, nil
}

// ForSlugs returns tags keyed by slug. Unknown slugs are skipped.
func (s *Service) ForSlugs(ctx context.Context, slugs []string) (map[string]ModTags, error) {
	out := make(map[string]ModTags, len(slugs))
	for _, slug := range slugs {
		m, err := s.catalog.GetModBySlug(ctx, slug)
		if err != nil {
			s.log.Debug("tag lookup miss", zap.String("slug", slug), zap.Error(err))
			continue
		}
		out[m.Slug] = fromMod(m)
	}
	return out, nil
}

func fromMod(m *types.Mod) ModTags {
	return ModTags{
		SourceID:     m.SourceID,
		Slug:         m.Slug,
		Capabilities: m.Capabilities,
		Tags:         m.Tags,
		Categories:   m.ModrinthCategories,
		IsLibrary:    m.IsLibrary(),
	}
}
