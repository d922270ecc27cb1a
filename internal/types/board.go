package types

import (
	"strings"
	"time"
)

// =============================================================================
// BOARD STATE TYPES
// =============================================================================

// Position is a 2D point on the authoring canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Camera is the viewport transform saved with a board.
type Camera struct {
	Scale float64 `json:"scale"`
	TX    float64 `json:"tx"`
	TY    float64 `json:"ty"`
}

// BoardMod is one positioned mod node on the board.
type BoardMod struct {
	SourceID           string   `json:"source_id"`
	Slug               string   `json:"slug"`
	Title              string   `json:"title"`
	IconURL            string   `json:"icon_url,omitempty"`
	Description        string   `json:"description,omitempty"`
	UniqueID           string   `json:"unique_id"`
	Position           Position `json:"position"`
	CategoryID         string   `json:"category_id"`
	CategoryIndex      int      `json:"category_index"`
	IsDisabled         bool     `json:"is_disabled"`
	Version            string   `json:"version,omitempty"`
	CachedDependencies []string `json:"cached_dependencies"`
}

// BoardCategory is one category rectangle on the board.
type BoardCategory struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Position Position `json:"position"`
	Color    string   `json:"color"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
}

// BoardState is the serializable authoring canvas for a modpack.
type BoardState struct {
	ProjectID  string          `json:"project_id"`
	Camera     Camera          `json:"camera"`
	Mods       []BoardMod      `json:"mods"`
	Categories []BoardCategory `json:"categories"`
	UpdatedAt  time.Time       `json:"updated_at"`

	FabricCompatMode bool              `json:"fabric_compat_mode,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// DeepCopy returns an independent copy of the board state. Patching a crash
// board must never mutate the caller's copy.
func (b *BoardState) DeepCopy() *BoardState {
	if b == nil {
		return nil
	}
	out := &BoardState{
		ProjectID:        b.ProjectID,
		Camera:           b.Camera,
		UpdatedAt:        b.UpdatedAt,
		FabricCompatMode: b.FabricCompatMode,
	}
	if b.Mods != nil {
		out.Mods = make([]BoardMod, len(b.Mods))
		for i, m := range b.Mods {
			cp := m
			if m.CachedDependencies != nil {
				cp.CachedDependencies = append([]string(nil), m.CachedDependencies...)
			}
			out.Mods[i] = cp
		}
	}
	if b.Categories != nil {
		out.Categories = append([]BoardCategory(nil), b.Categories...)
	}
	if b.Meta != nil {
		out.Meta = make(map[string]string, len(b.Meta))
		for k, v := range b.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// FindMod returns the index of the first mod matching ref by source id, slug,
// or title (case-insensitive for the latter two), or -1.
func (b *BoardState) FindMod(ref string) int {
	if ref == "" {
		return -1
	}
	lower := strings.ToLower(ref)
	for i := range b.Mods {
		m := &b.Mods[i]
		if m.SourceID == ref || strings.ToLower(m.Slug) == lower || strings.ToLower(m.Title) == lower {
			return i
		}
	}
	// Partial title match as a last resort; crash logs rarely quote exact
	// display names.
	for i := range b.Mods {
		t := strings.ToLower(b.Mods[i].Title)
		if t != "" && (strings.Contains(t, lower) || strings.Contains(lower, t)) {
			return i
		}
	}
	return -1
}

// CategoryByID returns the category with the given id, or nil.
func (b *BoardState) CategoryByID(id string) *BoardCategory {
	for i := range b.Categories {
		if b.Categories[i].ID == id {
			return &b.Categories[i]
		}
	}
	return nil
}
