// Package types provides shared type definitions used across packsmith packages.
// This package exists to break import cycles between the orchestrators, the
// retrieval stack, and the HTTP surface. Types here are foundational data
// structures with no complex dependencies.
package types

import (
	"regexp"
	"strings"
)

// =============================================================================
// MOD CATALOG TYPES
// =============================================================================

// DependencyType classifies a mod's declared relationship to another project.
type DependencyType string

const (
	DependencyRequired     DependencyType = "required"
	DependencyOptional     DependencyType = "optional"
	DependencyEmbedded     DependencyType = "embedded"
	DependencyIncompatible DependencyType = "incompatible"
)

// Dependency is a single declared relation from one mod to another project.
type Dependency struct {
	ProjectID    string         `json:"project_id"`
	Type         DependencyType `json:"dependency_type"`
	VersionRange string         `json:"version_range,omitempty"`
}

// Mod is the catalog record for a single mod. Mods are written by an external
// ingestion job and are read-only inside this service.
type Mod struct {
	SourceID    string `json:"source_id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`

	Loaders      []string `json:"loaders"`
	GameVersions []string `json:"game_versions"`

	Capabilities        []string `json:"capabilities"`
	ModrinthCategories  []string `json:"modrinth_categories,omitempty"`
	Tags                []string `json:"tags,omitempty"`

	Dependencies      []Dependency        `json:"dependencies,omitempty"`
	Incompatibilities map[string][]string `json:"incompatibilities,omitempty"`

	Downloads int64 `json:"downloads"`
	Followers int64 `json:"followers"`

	Embedding []float32 `json:"-"`
}

// LoaderUniversal marks a mod as usable under every loader.
const LoaderUniversal = "universal"

// KnownLoaders enumerates the loader runtimes the catalog distinguishes.
var KnownLoaders = []string{"fabric", "forge", "neoforge", "quilt", LoaderUniversal}

// capabilityPattern validates hierarchical capability paths such as
// "combat.weapons.melee".
var capabilityPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)*$`)

// ValidCapability reports whether s is a well-formed capability path.
func ValidCapability(s string) bool {
	return capabilityPattern.MatchString(s)
}

// SupportsLoader reports whether the mod runs under loader l. A mod declaring
// no loaders at all is treated as universal, matching registry records that
// predate loader metadata.
func (m *Mod) SupportsLoader(l string) bool {
	if len(m.Loaders) == 0 {
		return true
	}
	l = strings.ToLower(l)
	for _, have := range m.Loaders {
		if have == l || have == LoaderUniversal {
			return true
		}
	}
	return false
}

// SupportsGameVersion reports whether the mod supports game version v.
// Prefix matching runs in both directions so "1.21" matches "1.21.1" and
// vice versa, mirroring how registries encode minor-version families.
func (m *Mod) SupportsGameVersion(v string) bool {
	if len(m.GameVersions) == 0 || v == "" {
		return true
	}
	for _, have := range m.GameVersions {
		if have == v || strings.HasPrefix(have, v+".") || strings.HasPrefix(v, have+".") {
			return true
		}
	}
	return false
}

// HasCapability reports whether the mod declares cap or any descendant of it.
func (m *Mod) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap || strings.HasPrefix(c, cap+".") {
			return true
		}
	}
	return false
}

// HasAnyCapability reports whether the mod declares at least one of caps.
func (m *Mod) HasAnyCapability(caps []string) bool {
	for _, c := range caps {
		if m.HasCapability(c) {
			return true
		}
	}
	return false
}

// libraryCapabilities mark a mod as infrastructure rather than gameplay
// content. Kept in sync with the selector's library detection.
var libraryCapabilities = []string{
	"api.exposed",
	"dependency.library",
	"compatibility.bridge",
	"compatibility.integration",
}

var libraryTags = map[string]bool{
	"library":    true,
	"api":        true,
	"dependency": true,
	"core-mod":   true,
}

// IsLibrary reports whether the mod is a library/API rather than player-facing
// content.
func (m *Mod) IsLibrary() bool {
	for _, c := range libraryCapabilities {
		if m.HasCapability(c) {
			return true
		}
	}
	for _, t := range m.Tags {
		if libraryTags[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// RequiredDependencyIDs returns the project ids of all required dependencies.
func (m *Mod) RequiredDependencyIDs() []string {
	var ids []string
	for _, d := range m.Dependencies {
		if d.Type == DependencyRequired && d.ProjectID != "" {
			ids = append(ids, d.ProjectID)
		}
	}
	return ids
}

// IncompatibleWith reports whether the mod declares other as incompatible
// under loader l. The check is one-directional; callers test both sides.
func (m *Mod) IncompatibleWith(l, other string) bool {
	if m.Incompatibilities == nil {
		return false
	}
	for _, id := range m.Incompatibilities[strings.ToLower(l)] {
		if id == other {
			return true
		}
	}
	// Entries under "all" apply to every loader.
	for _, id := range m.Incompatibilities["all"] {
		if id == other {
			return true
		}
	}
	return false
}

// =============================================================================
// REFERENCE MODPACK TYPES
// =============================================================================

// ArchCategory is one category inside a reference modpack's architecture.
type ArchCategory struct {
	Name                  string              `json:"name"`
	RequiredCapabilities  []string            `json:"required_capabilities"`
	PreferredCapabilities []string            `json:"preferred_capabilities,omitempty"`
	Providers             map[string][]string `json:"providers,omitempty"`
}

// ModpackArchitecture is the structural decomposition of a reference pack.
type ModpackArchitecture struct {
	Categories []ArchCategory `json:"categories"`
}

// Modpack is a reference modpack mined by the Architecture Planner. Read-only.
type Modpack struct {
	SourceID     string              `json:"source_id"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	MCVersions   []string            `json:"mc_versions"`
	Loaders      []string            `json:"loaders"`
	Architecture ModpackArchitecture `json:"architecture"`
	Downloads    int64               `json:"downloads"`
	Followers    int64               `json:"followers"`
	Embedding    []float32           `json:"-"`
}

// AllProviderIDs returns the union of provider mod ids across all categories.
func (p *Modpack) AllProviderIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, cat := range p.Architecture.Categories {
		for _, provs := range cat.Providers {
			for _, id := range provs {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// AllCapabilities returns the union of capabilities across all categories.
func (p *Modpack) AllCapabilities() []string {
	seen := make(map[string]bool)
	var caps []string
	for _, cat := range p.Architecture.Categories {
		for _, c := range cat.RequiredCapabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
		for _, c := range cat.PreferredCapabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	return caps
}

// =============================================================================
// TOKEN ACCOUNTING
// =============================================================================

// TokenUsage counts tokens consumed by one or more LLM calls.
type TokenUsage struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.Input + u.Output }

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}
