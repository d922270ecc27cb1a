package types

import "time"

// =============================================================================
// CRASH ANALYSIS TYPES
// =============================================================================

// ErrorKind classifies the root cause of a crash.
type ErrorKind string

const (
	ErrModConflict       ErrorKind = "mod_conflict"
	ErrMissingDependency ErrorKind = "missing_dependency"
	ErrOutdatedMod       ErrorKind = "outdated_mod"
	ErrMixinError        ErrorKind = "mixin_error"
	ErrClassNotFound     ErrorKind = "class_not_found"
	ErrFabricOnForge     ErrorKind = "fabric_on_forge"
	ErrMemory            ErrorKind = "memory"
	ErrUnknownCrash      ErrorKind = "unknown"
)

// OpAction is a repair action the crash pipeline can emit.
type OpAction string

const (
	OpRemoveMod        OpAction = "remove_mod"
	OpDisableMod       OpAction = "disable_mod"
	OpUpdateMod        OpAction = "update_mod"
	OpAddMod           OpAction = "add_mod"
	OpClearLoaderCache OpAction = "clear_loader_cache"
)

// Priority orders repair operations.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityRank maps priorities to sort keys; lower runs first.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Operation is one validated repair step. Target names the mod as the user
// knows it; SourceID/Version are filled in by registry validation where the
// action needs them.
type Operation struct {
	Action     OpAction `json:"action"`
	Target     string   `json:"target_mod"`
	SourceID   string   `json:"source_id,omitempty"`
	Slug       string   `json:"slug,omitempty"`
	ToVersion  string   `json:"to_version,omitempty"`
	FileURL    string   `json:"file_url,omitempty"`
	Reason     string   `json:"reason"`
	Priority   Priority `json:"priority"`
	Confidence float64  `json:"confidence,omitempty"`
	Applied    bool     `json:"applied"`
}

// ProblematicMod names one mod the analyzer implicated.
type ProblematicMod struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SuggestedFix is the analyzer's raw proposal before registry validation.
type SuggestedFix struct {
	Action   OpAction `json:"action"`
	Target   string   `json:"target_mod"`
	Reason   string   `json:"reason"`
	Priority Priority `json:"priority"`
}

// CrashAnalysis is the structured output of the crash analyzer LLM call.
type CrashAnalysis struct {
	RootCause           string           `json:"root_cause"`
	ErrorKind           ErrorKind        `json:"error_kind"`
	ProblematicMods     []ProblematicMod `json:"problematic_mods"`
	MissingDependencies []string         `json:"missing_dependencies"`
	Confidence          float64          `json:"confidence"`
	SuggestedFixes      []SuggestedFix   `json:"suggested_fixes"`
	AdditionalInfo      string           `json:"additional_info,omitempty"`
}

// CrashSession is the persisted record of one crash-doctor run.
type CrashSession struct {
	ID                 string      `json:"id"`
	UserID             string      `json:"user_id"`
	CrashLogSanitized  string      `json:"crash_log_sanitized"`
	BoardStateSnapshot *BoardState `json:"board_state_snapshot,omitempty"`
	RootCause          string      `json:"root_cause"`
	ErrorKind          ErrorKind   `json:"error_kind"`
	Confidence         float64     `json:"confidence"`
	Suggestions        []Operation `json:"suggestions"`
	Warnings           []string    `json:"warnings,omitempty"`
	PatchedBoardState  *BoardState `json:"patched_board_state,omitempty"`
	TokenUsage         TokenUsage  `json:"token_usage"`
	CreatedAt          time.Time   `json:"created_at"`
}
