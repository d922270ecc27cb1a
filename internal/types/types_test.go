package types

import (
	"errors"
	"testing"
)

func TestValidCapability(t *testing.T) {
	valid := []string{
		"combat",
		"combat.weapons.melee",
		"api.exposed",
		"world_generation",
		"render.pipeline",
		"compat.bridge_loader",
	}
	for _, c := range valid {
		if !ValidCapability(c) {
			t.Errorf("expected %q to be valid", c)
		}
	}

	invalid := []string{
		"",
		"Combat",
		"combat..melee",
		".combat",
		"combat.",
		"combat weapons",
		"combat/weapons",
	}
	for _, c := range invalid {
		if ValidCapability(c) {
			t.Errorf("expected %q to be invalid", c)
		}
	}
}

func TestModSupportsLoader(t *testing.T) {
	m := &Mod{Loaders: []string{"fabric", "quilt"}}
	if !m.SupportsLoader("fabric") {
		t.Error("fabric should be supported")
	}
	if !m.SupportsLoader("Fabric") {
		t.Error("loader match should be case-insensitive")
	}
	if m.SupportsLoader("forge") {
		t.Error("forge should not be supported")
	}

	universal := &Mod{Loaders: []string{LoaderUniversal}}
	if !universal.SupportsLoader("neoforge") {
		t.Error("universal mod should support any loader")
	}

	unlisted := &Mod{}
	if !unlisted.SupportsLoader("forge") {
		t.Error("mod with no declared loaders should be treated as universal")
	}
}

func TestModSupportsGameVersion(t *testing.T) {
	m := &Mod{GameVersions: []string{"1.21.1", "1.20"}}

	cases := []struct {
		version string
		want    bool
	}{
		{"1.21.1", true},
		{"1.21", true},   // prefix of a declared version
		{"1.20.4", true}, // declared version is a prefix
		{"1.19", false},
		{"", true}, // unconstrained query
	}
	for _, tc := range cases {
		if got := m.SupportsGameVersion(tc.version); got != tc.want {
			t.Errorf("SupportsGameVersion(%q) = %v, want %v", tc.version, got, tc.want)
		}
	}
}

func TestModCapabilityChecks(t *testing.T) {
	m := &Mod{Capabilities: []string{"combat.weapons.melee", "api.exposed"}}

	if !m.HasCapability("combat.weapons.melee") {
		t.Error("exact capability should match")
	}
	if !m.HasCapability("combat.weapons") {
		t.Error("ancestor capability should match descendants")
	}
	if !m.HasCapability("combat") {
		t.Error("root capability should match descendants")
	}
	if m.HasCapability("combat.weapons.mel") {
		t.Error("partial segment should not match")
	}
	if !m.IsLibrary() {
		t.Error("api.exposed should mark the mod as a library")
	}

	tagged := &Mod{Tags: []string{"Library"}}
	if !tagged.IsLibrary() {
		t.Error("library tag should mark the mod as a library")
	}

	content := &Mod{Capabilities: []string{"combat.weapons"}}
	if content.IsLibrary() {
		t.Error("gameplay mod should not be a library")
	}
}

func TestIncompatibleWith(t *testing.T) {
	m := &Mod{
		SourceID: "optifine",
		Incompatibilities: map[string][]string{
			"fabric": {"sodium"},
			"all":    {"some-shim"},
		},
	}
	if !m.IncompatibleWith("fabric", "sodium") {
		t.Error("declared fabric incompatibility should be detected")
	}
	if m.IncompatibleWith("forge", "sodium") {
		t.Error("loader-specific incompatibility must not leak to other loaders")
	}
	if !m.IncompatibleWith("forge", "some-shim") {
		t.Error("'all' incompatibilities apply under every loader")
	}
}

func TestBoardStateDeepCopy(t *testing.T) {
	b := &BoardState{
		ProjectID: "p1",
		Mods: []BoardMod{
			{SourceID: "a", Slug: "mod-a", UniqueID: "u1", CachedDependencies: []string{"b"}},
		},
		Categories: []BoardCategory{{ID: "c1", Title: "Performance"}},
		Meta:       map[string]string{"k": "v"},
	}

	cp := b.DeepCopy()
	cp.Mods[0].SourceID = "changed"
	cp.Mods[0].CachedDependencies[0] = "changed"
	cp.Categories[0].Title = "changed"
	cp.Meta["k"] = "changed"

	if b.Mods[0].SourceID != "a" {
		t.Error("mod mutation leaked into original")
	}
	if b.Mods[0].CachedDependencies[0] != "b" {
		t.Error("cached dependency mutation leaked into original")
	}
	if b.Categories[0].Title != "Performance" {
		t.Error("category mutation leaked into original")
	}
	if b.Meta["k"] != "v" {
		t.Error("meta mutation leaked into original")
	}
}

func TestBoardFindMod(t *testing.T) {
	b := &BoardState{
		Mods: []BoardMod{
			{SourceID: "AANobbMI", Slug: "sodium", Title: "Sodium"},
			{SourceID: "gvQqBUqZ", Slug: "lithium", Title: "Lithium"},
		},
	}
	if got := b.FindMod("sodium"); got != 0 {
		t.Errorf("slug lookup = %d, want 0", got)
	}
	if got := b.FindMod("Lithium"); got != 1 {
		t.Errorf("title lookup = %d, want 1", got)
	}
	if got := b.FindMod("gvQqBUqZ"); got != 1 {
		t.Errorf("source id lookup = %d, want 1", got)
	}
	if got := b.FindMod("sodi"); got != 0 {
		t.Errorf("partial title lookup = %d, want 0", got)
	}
	if got := b.FindMod("missing-mod"); got != -1 {
		t.Errorf("missing lookup = %d, want -1", got)
	}
}

func TestAPIErrorCodeOf(t *testing.T) {
	base := NewError(CodeDailyExceeded, "daily limit reached (%d)", 50)
	wrapped := WrapError(CodeLLMTimeout, errors.New("deadline"), "planner call")

	if CodeOf(base) != CodeDailyExceeded {
		t.Errorf("CodeOf(base) = %s", CodeOf(base))
	}
	if CodeOf(wrapped) != CodeLLMTimeout {
		t.Errorf("CodeOf(wrapped) = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Error("plain errors should map to internal")
	}
	if CodeOf(ErrCancelled) != CodeCancelled {
		t.Error("cancellation should map to cancelled")
	}

	var apiErr *APIError
	deep := WrapError(CodeRegistryUnavailable, wrapped, "outer")
	if !errors.As(deep, &apiErr) || apiErr.Code != CodeRegistryUnavailable {
		t.Error("errors.As should find the outermost APIError")
	}

	if CodeDailyExceeded.HTTPStatus() != 429 {
		t.Errorf("daily_exceeded status = %d, want 429", CodeDailyExceeded.HTTPStatus())
	}
	if CodeTierForbidden.HTTPStatus() != 403 {
		t.Errorf("tier_forbidden status = %d, want 403", CodeTierForbidden.HTTPStatus())
	}
}

func TestPlannedArchitectureTotals(t *testing.T) {
	arch := &PlannedArchitecture{
		Categories: []PlannedCategory{
			{Name: "Combat", TargetMods: 10},
			{Name: "Magic", TargetMods: 15},
		},
	}
	if arch.TotalTarget() != 25 {
		t.Errorf("TotalTarget = %d, want 25", arch.TotalTarget())
	}
	names := arch.CategoryNames()
	if len(names) != 2 || names[0] != "Combat" || names[1] != "Magic" {
		t.Errorf("CategoryNames = %v", names)
	}
}

func TestTokenUsage(t *testing.T) {
	u := TokenUsage{Input: 100, Output: 50}
	u.Add(TokenUsage{Input: 10, Output: 5})
	if u.Input != 110 || u.Output != 55 || u.Total() != 165 {
		t.Errorf("usage = %+v total=%d", u, u.Total())
	}
}
