package types

// =============================================================================
// SEARCH PLANNING TYPES
// =============================================================================

// RequestType classifies an assembly request.
type RequestType string

const (
	RequestSimpleAdd   RequestType = "simple_add"
	RequestPerformance RequestType = "performance"
	RequestThemedPack  RequestType = "themed_pack"
)

// QueryKind selects the retrieval channel for a single planned query.
type QueryKind string

const (
	QueryKeyword  QueryKind = "keyword"
	QuerySemantic QueryKind = "semantic"
)

// SearchQuery is one retrieval probe emitted by the Query Planner.
type SearchQuery struct {
	Kind   QueryKind `json:"kind"`
	Text   string    `json:"text"`
	Weight float64   `json:"weight"`
}

// SearchPlan is the Query Planner's output: how to retrieve candidates for
// the user's request.
type SearchPlan struct {
	RequestType            RequestType   `json:"request_type"`
	UseArchitecturePlanner bool          `json:"use_architecture_planner"`
	SearchQueries          []SearchQuery `json:"search_queries"`
	CapabilitiesFocus      []string      `json:"capabilities_focus,omitempty"`
	BaselineMods           []string      `json:"baseline_mods,omitempty"`
}

// =============================================================================
// ARCHITECTURE TYPES
// =============================================================================

// PlannedCategory is one category in a planned pack architecture.
type PlannedCategory struct {
	Name                  string   `json:"name"`
	Description           string   `json:"description,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities"`
	PreferredCapabilities []string `json:"preferred_capabilities,omitempty"`
	TargetMods            int      `json:"target_mods"`
}

// PlannedArchitecture is the Architecture Planner's category skeleton for a
// themed pack.
type PlannedArchitecture struct {
	Categories         []PlannedCategory `json:"categories"`
	PackArchetype      string            `json:"pack_archetype,omitempty"`
	EstimatedTotalMods int               `json:"estimated_total_mods"`
}

// TotalTarget sums the per-category mod targets.
func (a *PlannedArchitecture) TotalTarget() int {
	total := 0
	for _, c := range a.Categories {
		total += c.TargetMods
	}
	return total
}

// CategoryNames returns category names in plan order.
func (a *PlannedArchitecture) CategoryNames() []string {
	names := make([]string, len(a.Categories))
	for i, c := range a.Categories {
		names[i] = c.Name
	}
	return names
}

// ModGroup is a named group of mods handed to the board assembler by the
// categorizer or the architecture refiner.
type ModGroup struct {
	Name string `json:"name"`
	Mods []*Mod `json:"-"`
}

// =============================================================================
// SELECTION TYPES
// =============================================================================

// ModRole describes why a mod is part of the final selection.
type ModRole string

const (
	RolePrimary    ModRole = "primary"
	RoleLibrary    ModRole = "library"
	RoleDependency ModRole = "dependency"
	RoleBridge     ModRole = "bridge"
)

// SelectedMod is one entry in the Final Selector's output. CategoryIndex is
// nil when no architecture was planned.
type SelectedMod struct {
	SourceID      string  `json:"source_id"`
	CategoryIndex *int    `json:"category_index"`
	Reason        string  `json:"reason"`
	Role          ModRole `json:"role"`
}
