package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"packsmith/internal/types"
)

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("default dimensions = %d", cfg.Embedding.Dimensions)
	}
	if cfg.AssemblyBudget() != 180*time.Second {
		t.Errorf("assembly budget = %v", cfg.AssemblyBudget())
	}
	if cfg.CrashBudget() != 120*time.Second {
		t.Errorf("crash budget = %v", cfg.CrashBudget())
	}
	if cfg.DedupTTL() != time.Hour {
		t.Errorf("dedup ttl = %v", cfg.DedupTTL())
	}
	if cfg.Pipeline.RequestParallelism != 8 || cfg.Pipeline.ServiceParallelism != 64 {
		t.Errorf("parallelism = %d/%d", cfg.Pipeline.RequestParallelism, cfg.Pipeline.ServiceParallelism)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
}

func TestLoadFileAndEnvPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
llm:
  api_key: from-file
  model: deepseek-reasoner
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLM_API_KEY", "from-env")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("env should override file, got %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.LLM.Model != "deepseek-reasoner" {
		t.Errorf("file value should survive, got %q", cfg.LLM.Model)
	}
}

func TestEnvPrefixedNameWins(t *testing.T) {
	t.Setenv("LLM_API_KEY", "bare")
	t.Setenv("PACKSMITH_LLM_API_KEY", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "prefixed" {
		t.Errorf("prefixed env should win, got %q", cfg.LLM.APIKey)
	}
}

func TestDedupTTLSecondsOverride(t *testing.T) {
	t.Setenv("DEDUP_TTL_SECONDS", "120")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DedupTTL() != 2*time.Minute {
		t.Errorf("dedup ttl = %v, want 2m", cfg.DedupTTL())
	}
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k"
	cfg.Auth.JWTSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := DefaultConfig()
	missing.Auth.JWTSecret = "s"
	if err := missing.Validate(); err == nil {
		t.Error("missing api key should fail validation")
	}

	noSecret := DefaultConfig()
	noSecret.LLM.APIKey = "k"
	if err := noSecret.Validate(); err == nil {
		t.Error("missing jwt secret should fail validation")
	}

	badProvider := DefaultConfig()
	badProvider.LLM.APIKey = "k"
	badProvider.Auth.JWTSecret = "s"
	badProvider.Embedding.Provider = "word2vec"
	if err := badProvider.Validate(); err == nil {
		t.Error("unknown embedding provider should fail validation")
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Timeout = "not-a-duration"
	if cfg.LLMTimeout() != 30*time.Second {
		t.Errorf("bad duration should fall back, got %v", cfg.LLMTimeout())
	}
	cfg.Pipeline.AssemblyBudget = ""
	if cfg.AssemblyBudget() != 180*time.Second {
		t.Errorf("empty duration should fall back, got %v", cfg.AssemblyBudget())
	}
}

func TestQuotaTierTable(t *testing.T) {
	q := DefaultQuotaConfig()

	free := q.LimitsFor(types.TierFree)
	if free.DailyRequests != 0 || free.MonthlyRequests != 0 || free.MaxModsPerRequest != 0 || free.AITokenLimit != 0 {
		t.Errorf("free tier must be fully zeroed: %+v", free)
	}

	test := q.LimitsFor(types.TierTest)
	if test.DailyRequests != 50 || test.MonthlyRequests != 1000 || test.MaxModsPerRequest != 50 || test.AITokenLimit != 100_000 {
		t.Errorf("test tier = %+v", test)
	}

	pro := q.LimitsFor(types.TierPro)
	if pro.DailyRequests != types.Unlimited || pro.AITokenLimit != types.Unlimited {
		t.Errorf("pro tier should be unlimited: %+v", pro)
	}

	unknown := q.LimitsFor(types.Tier("vip"))
	if unknown.DailyRequests != 0 {
		t.Errorf("unknown tier must resolve to zeroed limits: %+v", unknown)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("round-trip port = %d", loaded.Server.Port)
	}
}

func TestLLMCost(t *testing.T) {
	cfg := DefaultConfig()
	// 1M input at 0.14 plus 1M output at 0.28.
	got := cfg.LLM.Cost(1_000_000, 1_000_000)
	if got < 0.4199 || got > 0.4201 {
		t.Errorf("cost = %f, want 0.42", got)
	}
	if cfg.LLM.Cost(0, 0) != 0 {
		t.Error("zero tokens should cost zero")
	}
}
