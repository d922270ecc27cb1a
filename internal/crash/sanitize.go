// Package crash implements the crash-doctor pipeline: sanitize the log,
// dedupe repeat submissions, analyze with the model, validate fixes against
// the registry, and patch a copy of the board.
package crash

import (
	"regexp"
	"strings"
)

// maxLogChars bounds what travels to the model. Truncation keeps the head of
// the log and the window around the first error line; the middle goes.
const maxLogChars = 20_000

// staleOverlapFloor is the minimum fraction of log mods that must appear on
// the board before the log is trusted to describe it.
const staleOverlapFloor = 0.3

// WarningStaleLog flags a crash log that does not match the submitted board.
const WarningStaleLog = "stale_log"

var (
	winPathPattern  = regexp.MustCompile(`[A-Za-z]:\\[^\s"']+`)
	unixPathPattern = regexp.MustCompile(`(?:/(?:home|Users|var|opt|srv|mnt)/)[^\s"']+`)
	ipPattern       = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
	uuidPattern     = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	tokenPattern    = regexp.MustCompile(`(?i)(token|session|secret|api[_-]?key|password)[=:]\s*\S+`)

	mcVersionPattern = regexp.MustCompile(`(?i)minecraft(?: version)?[:\s]+v?(\d+\.\d+(?:\.\d+)?)`)
	loaderPatterns   = map[string]*regexp.Regexp{
		"neoforge": regexp.MustCompile(`(?i)neoforge`),
		"fabric":   regexp.MustCompile(`(?i)fabric(?:\s+loader|loader)`),
		"quilt":    regexp.MustCompile(`(?i)quilt(?:\s+loader)?`),
		"forge":    regexp.MustCompile(`(?i)(?:minecraft\s*)?forge(?:\s+version|[:\s/])`),
	}

	// Mod list lines as loaders print them, e.g. "sodium 0.5.8" in a Fabric
	// mod table or "| sodium | 0.5.8 |" in a Forge one.
	modTablePattern = regexp.MustCompile(`(?m)^\s*(?:\|\s*)?-?\s*([a-z][a-z0-9_-]{2,})\s*(?:\||\s)\s*v?\d+[\w.+-]*`)

	errorLinePattern = regexp.MustCompile(`(?im)^.*(?:exception|error|crash report|mixin apply failed|failed to load).*$`)
)

// Sanitized is the cleaned, feature-extracted crash log.
type Sanitized struct {
	Log       string
	MCVersion string
	Loader    string
	KindHint  string
	Mods      []string
	Truncated bool
}

// Sanitize strips user-identifying strings from the raw log and extracts the
// features the analyzer prompt needs.
func Sanitize(raw string) *Sanitized {
	s := &Sanitized{}

	cleaned := winPathPattern.ReplaceAllString(raw, "<path>")
	cleaned = unixPathPattern.ReplaceAllString(cleaned, "<path>")
	cleaned = ipPattern.ReplaceAllString(cleaned, "<ip>")
	cleaned = uuidPattern.ReplaceAllString(cleaned, "<uuid>")
	cleaned = tokenPattern.ReplaceAllString(cleaned, "$1=<redacted>")

	if m := mcVersionPattern.FindStringSubmatch(cleaned); m != nil {
		s.MCVersion = m[1]
	}
	for loader, pat := range loaderPatterns {
		if pat.MatchString(cleaned) {
			// Forge matches inside "NeoForge"; prefer the more specific hit.
			if s.Loader == "" || loader == "neoforge" {
				s.Loader = loader
			}
		}
	}
	s.KindHint = kindHint(cleaned)
	s.Mods = extractMods(cleaned)

	if len(cleaned) > maxLogChars {
		cleaned = truncate(cleaned)
		s.Truncated = true
	}
	s.Log = cleaned
	return s
}

// kindHint is a cheap pre-classification passed to the model as a hint, never
// as the verdict.
func kindHint(log string) string {
	lower := strings.ToLower(log)
	switch {
	case strings.Contains(lower, "mixin apply failed"), strings.Contains(lower, "mixininjectionerror"):
		return "mixin_error"
	case strings.Contains(lower, "classnotfoundexception"), strings.Contains(lower, "noclassdeffounderror"):
		return "class_not_found"
	case strings.Contains(lower, "outofmemoryerror"):
		return "memory"
	case strings.Contains(lower, "requires fabric"), strings.Contains(lower, "fabric mod") && strings.Contains(lower, "forge"):
		return "fabric_on_forge"
	case strings.Contains(lower, "missing or unsupported mandatory dependencies"),
		strings.Contains(lower, "requires") && strings.Contains(lower, "which is missing"):
		return "missing_dependency"
	case strings.Contains(lower, "duplicate mod"), strings.Contains(lower, "incompatible mod"):
		return "mod_conflict"
	}
	return ""
}

func extractMods(log string) []string {
	seen := make(map[string]bool)
	var mods []string
	for _, m := range modTablePattern.FindAllStringSubmatch(log, -1) {
		id := strings.ToLower(m[1])
		if ignoredModIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		mods = append(mods, id)
	}
	return mods
}

// ignoredModIDs are loader internals that appear in every mod table.
var ignoredModIDs = map[string]bool{
	"minecraft": true, "java": true, "fabricloader": true, "forge": true,
	"neoforge": true, "quilt_loader": true, "mixinextras": true,
}

// truncate keeps the head of the log plus a window around the first error
// line, marking the cut.
func truncate(log string) string {
	const headShare = maxLogChars / 2

	errLoc := errorLinePattern.FindStringIndex(log)
	if errLoc == nil || errLoc[0] < headShare {
		return log[:maxLogChars] + "\n... <truncated>"
	}

	head := log[:headShare]
	start := errLoc[0]
	end := start + (maxLogChars - headShare)
	if end > len(log) {
		end = len(log)
	}
	return head + "\n... <truncated> ...\n" + log[start:end]
}

// StaleLogWarning reports whether the log's mod list diverges from the board:
// fewer than staleOverlapFloor of the logged mods are present on it.
func StaleLogWarning(logMods []string, boardSlugs []string) bool {
	if len(logMods) == 0 || len(boardSlugs) == 0 {
		return false
	}
	onBoard := make(map[string]bool, len(boardSlugs))
	for _, s := range boardSlugs {
		onBoard[strings.ToLower(s)] = true
	}
	matched := 0
	for _, m := range logMods {
		if onBoard[m] {
			matched++
		}
	}
	return float64(matched)/float64(len(logMods)) < staleOverlapFloor
}
