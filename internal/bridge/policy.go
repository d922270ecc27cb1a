// Package bridge applies the cross-loader compatibility policy: forbidden
// mod/loader pairs, bridge-mod injection for compatibility mode, and the
// loader-equivalents tables. The rules are data, shipped embedded and
// overridable by file.
package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"packsmith/internal/logging"
	"packsmith/internal/types"
)

//go:embed rules.yaml
var embeddedRules []byte

// ForbiddenRule bans a mod on specific loaders.
type ForbiddenRule struct {
	Slug    string   `yaml:"slug"`
	Name    string   `yaml:"name"`
	Loaders []string `yaml:"loaders"`
	Reason  string   `yaml:"reason"`
}

// BridgeMod names one mod of a bridge set.
type BridgeMod struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// BridgeSet is injected when alien-loader mods are present in compat mode.
type BridgeSet struct {
	TargetLoader       string      `yaml:"target_loader"`
	AlienLoaders       []string    `yaml:"alien_loaders"`
	RequiresCompatMode bool        `yaml:"requires_compat_mode"`
	Add                []BridgeMod `yaml:"add"`
}

// Rules is the full policy document.
type Rules struct {
	Forbidden   []ForbiddenRule                         `yaml:"forbidden"`
	BridgeSets  []BridgeSet                             `yaml:"bridge_sets"`
	Equivalents map[string]map[string]map[string]string `yaml:"equivalents"`
}

// Policy holds the active rules, hot-reloaded when a rules file is
// configured and changes on disk.
type Policy struct {
	mu      sync.RWMutex
	rules   *Rules
	path    string
	watcher *fsnotify.Watcher
	log     *zap.Logger
}

// NewPolicy loads the embedded rules, overlaid by the optional file at path.
func NewPolicy(path string) (*Policy, error) {
	p := &Policy{path: path, log: logging.For(logging.ComponentBridge)}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// reload parses the rule sources into the active set.
func (p *Policy) reload() error {
	data := embeddedRules
	if p.path != "" {
		if fileData, err := os.ReadFile(p.path); err == nil {
			data = fileData
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read bridge rules %s: %w", p.path, err)
		}
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse bridge rules: %w", err)
	}

	p.mu.Lock()
	p.rules = &rules
	p.mu.Unlock()
	p.log.Info("bridge rules loaded",
		zap.Int("forbidden", len(rules.Forbidden)),
		zap.Int("bridge_sets", len(rules.BridgeSets)))
	return nil
}

// Watch hot-reloads the rules file on change. No-op without a file path.
// Close stops the watcher.
func (p *Policy) Watch() error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", p.path, err)
	}
	p.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := p.reload(); err != nil {
						p.log.Warn("bridge rules reload failed", zap.Error(err))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warn("rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (p *Policy) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// Removal names a mod the policy stripped from the selection.
type Removal struct {
	SourceID string `json:"source_id"`
	Slug     string `json:"slug"`
	Reason   string `json:"reason"`
}

// Outcome is the result of applying the policy to a resolved selection.
type Outcome struct {
	// Kept is the surviving selection, order preserved.
	Kept []*types.Mod
	// Removed lists stripped mods with reasons; surfaced as warnings.
	Removed []Removal
	// BridgeSlugs are bridge-set mods to append; the caller resolves them
	// through the catalog and the dependency resolver like any other mod.
	BridgeSlugs []BridgeMod
}

// Apply enforces the policy on a selection for the target loader. Runs after
// dependency closure; the caller resolves any returned bridge slugs.
func (p *Policy) Apply(mods []*types.Mod, loader string, fabricCompatMode bool) *Outcome {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	loader = strings.ToLower(loader)
	out := &Outcome{}

	// Forbidden pairs first: a banned mod never survives, compat mode or not.
	for _, m := range mods {
		if rule := rules.forbids(m, loader); rule != nil {
			out.Removed = append(out.Removed, Removal{
				SourceID: m.SourceID, Slug: m.Slug, Reason: rule.Reason,
			})
			continue
		}
		out.Kept = append(out.Kept, m)
	}

	// Alien-loader handling: with compat mode the bridge set comes along;
	// without it alien mods are stripped.
	for _, set := range rules.BridgeSets {
		if set.TargetLoader != loader {
			continue
		}
		if set.RequiresCompatMode && !fabricCompatMode {
			kept := out.Kept[:0]
			for _, m := range out.Kept {
				if isAlien(m, loader, set.AlienLoaders) {
					out.Removed = append(out.Removed, Removal{
						SourceID: m.SourceID, Slug: m.Slug,
						Reason: fmt.Sprintf("%s-only mod on a %s target without compatibility mode", strings.Join(set.AlienLoaders, "/"), loader),
					})
					continue
				}
				kept = append(kept, m)
			}
			out.Kept = kept
			continue
		}

		alienPresent := false
		for _, m := range out.Kept {
			if isAlien(m, loader, set.AlienLoaders) {
				alienPresent = true
				break
			}
		}
		if alienPresent {
			out.BridgeSlugs = append(out.BridgeSlugs, set.Add...)
		}
	}

	if len(out.Removed) > 0 || len(out.BridgeSlugs) > 0 {
		p.log.Info("bridge policy applied",
			zap.String("loader", loader),
			zap.Bool("compat_mode", fabricCompatMode),
			zap.Int("removed", len(out.Removed)),
			zap.Int("bridge_mods", len(out.BridgeSlugs)))
	}
	return out
}

// forbids returns the matching forbidden rule for mod m on loader, or nil.
func (r *Rules) forbids(m *types.Mod, loader string) *ForbiddenRule {
	for i, rule := range r.Forbidden {
		for _, l := range rule.Loaders {
			if l != loader {
				continue
			}
			if strings.EqualFold(m.Slug, rule.Slug) || strings.EqualFold(m.Name, rule.Name) {
				return &r.Forbidden[i]
			}
		}
	}
	return nil
}

// isAlien reports whether the mod runs only on loaders from aliens, with no
// build for the target loader.
func isAlien(m *types.Mod, loader string, aliens []string) bool {
	if m.SupportsLoader(loader) {
		return false
	}
	for _, alien := range aliens {
		if m.SupportsLoader(alien) {
			return true
		}
	}
	return false
}

// EquivalentFor looks up a loader-equivalents table entry, matching the most
// specific mc_version prefix first and falling back to "*".
func (p *Policy) EquivalentFor(table, loader, mcVersion string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byLoader, ok := p.rules.Equivalents[table]
	if !ok {
		return "", false
	}
	byVersion, ok := byLoader[strings.ToLower(loader)]
	if !ok {
		return "", false
	}

	best, bestLen := "", -1
	for prefix, slug := range byVersion {
		if prefix == "*" {
			if bestLen < 0 {
				best, bestLen = slug, 0
			}
			continue
		}
		if strings.HasPrefix(mcVersion, prefix) && len(prefix) > bestLen {
			best, bestLen = slug, len(prefix)
		}
	}
	if bestLen < 0 {
		return "", false
	}
	return best, true
}

// EquivalentTables lists the configured equivalents tables.
func (p *Policy) EquivalentTables() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.rules.Equivalents))
	for name := range p.rules.Equivalents {
		out = append(out, name)
	}
	return out
}
