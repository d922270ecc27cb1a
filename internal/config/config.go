// Package config loads and validates packsmith configuration.
//
// Configuration comes from three layers, lowest priority first: built-in
// defaults, an optional YAML file, and environment variables. Environment
// variables always win so deployments can override a checked-in file without
// editing it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Quota     QuotaConfig     `yaml:"quota"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ReadTimeout      string   `yaml:"read_timeout"`
	ShutdownTimeout  string   `yaml:"shutdown_timeout"`
	AllowLegacyBuild bool     `yaml:"allow_legacy_build"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, genai
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
	Workers    int    `yaml:"workers"`
	Timeout    string `yaml:"timeout"`
}

// StoreConfig locates the mod store database.
type StoreConfig struct {
	URL string `yaml:"url"` // sqlite path or DSN
	Key string `yaml:"key"` // reserved for remote stores
}

// RegistryConfig configures the external mod registry client.
type RegistryConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
	Timeout   string `yaml:"timeout"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
}

// PipelineConfig carries the orchestration budgets and fan-out bounds.
type PipelineConfig struct {
	AssemblyBudget     string `yaml:"assembly_budget"`
	CrashBudget        string `yaml:"crash_budget"`
	RequestParallelism int    `yaml:"request_parallelism"`
	ServiceParallelism int    `yaml:"service_parallelism"`
	DedupTTL           string `yaml:"dedup_ttl"`
	UseV3Default       bool   `yaml:"use_v3_default"`
	BridgeRulesPath    string `yaml:"bridge_rules_path"`
	ReportDir          string `yaml:"report_dir"`
	UsagePath          string `yaml:"usage_path"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     "30s",
			ShutdownTimeout: "10s",
		},
		LLM: LLMConfig{
			BaseURL:         "https://api.deepseek.com",
			Model:           "deepseek-chat",
			Timeout:         "30s",
			MaxAttempts:     3,
			InputCostPer1M:  0.14,
			OutputCostPer1M: 0.28,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "all-minilm",
			BaseURL:    "http://localhost:11434",
			Dimensions: 384,
			Workers:    4,
			Timeout:    "15s",
		},
		Store: StoreConfig{
			URL: "data/packsmith.db",
		},
		Registry: RegistryConfig{
			BaseURL:   "https://api.modrinth.com/v2",
			UserAgent: "packsmith/1.0",
			Timeout:   "10s",
		},
		Pipeline: PipelineConfig{
			AssemblyBudget:     "180s",
			CrashBudget:        "120s",
			RequestParallelism: 8,
			ServiceParallelism: 64,
			DedupTTL:           "1h",
			UseV3Default:       true,
			ReportDir:          "data/reports",
			UsagePath:          "data/usage.json",
		},
		Quota: DefaultQuotaConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file is fine; defaults plus environment drive everything.
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies environment variables over the loaded values.
// Each setting checks a PACKSMITH_-prefixed name first, then the bare name.
func (c *Config) applyEnvOverrides() {
	setString(&c.LLM.APIKey, "PACKSMITH_LLM_API_KEY", "LLM_API_KEY")
	setString(&c.LLM.BaseURL, "PACKSMITH_LLM_BASE_URL", "LLM_BASE_URL")
	setString(&c.LLM.Model, "PACKSMITH_LLM_MODEL", "LLM_MODEL")
	setString(&c.Store.URL, "PACKSMITH_STORE_URL", "STORE_URL")
	setString(&c.Store.Key, "PACKSMITH_STORE_KEY", "STORE_KEY")
	setString(&c.Auth.JWTSecret, "PACKSMITH_JWT_SECRET", "JWT_SECRET")
	setString(&c.Auth.JWTAudience, "PACKSMITH_JWT_AUDIENCE", "JWT_AUDIENCE")
	setString(&c.Registry.BaseURL, "PACKSMITH_MOD_REGISTRY_BASE_URL", "MOD_REGISTRY_BASE_URL")
	setString(&c.Embedding.APIKey, "PACKSMITH_EMBEDDING_API_KEY", "EMBEDDING_API_KEY", "GEMINI_API_KEY")
	setString(&c.Embedding.BaseURL, "PACKSMITH_EMBEDDING_BASE_URL", "EMBEDDING_BASE_URL")
	setInt(&c.Server.Port, "PACKSMITH_SERVER_PORT", "SERVER_PORT")
	setBool(&c.Pipeline.UseV3Default, "PACKSMITH_USE_V3_DEFAULT", "USE_V3_DEFAULT")

	if secs, ok := lookupInt("PACKSMITH_DEDUP_TTL_SECONDS", "DEDUP_TTL_SECONDS"); ok {
		c.Pipeline.DedupTTL = fmt.Sprintf("%ds", secs)
	}
	if secs, ok := lookupInt("PACKSMITH_REQUEST_BUDGET_ASSEMBLY_S", "REQUEST_BUDGET_ASSEMBLY_S"); ok {
		c.Pipeline.AssemblyBudget = fmt.Sprintf("%ds", secs)
	}
	if secs, ok := lookupInt("PACKSMITH_REQUEST_BUDGET_CRASH_S", "REQUEST_BUDGET_CRASH_S"); ok {
		c.Pipeline.CrashBudget = fmt.Sprintf("%ds", secs)
	}
}

// Validate checks that required values are present and well-formed. The
// server refuses to start on error.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set LLM_API_KEY)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set JWT_SECRET)")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required (set STORE_URL)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Pipeline.RequestParallelism <= 0 || c.Pipeline.ServiceParallelism <= 0 {
		return fmt.Errorf("pipeline parallelism bounds must be positive")
	}
	switch c.Embedding.Provider {
	case "ollama", "genai":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	return nil
}

// =============================================================================
// DURATION GETTERS
// =============================================================================
// Timeouts are stored as duration strings so YAML and env stay readable;
// parse failures fall back to the documented default rather than erroring.

// AssemblyBudget returns the total assembly-pipeline deadline.
func (c *Config) AssemblyBudget() time.Duration {
	return parseDuration(c.Pipeline.AssemblyBudget, 180*time.Second)
}

// CrashBudget returns the total crash-pipeline deadline.
func (c *Config) CrashBudget() time.Duration {
	return parseDuration(c.Pipeline.CrashBudget, 120*time.Second)
}

// DedupTTL returns the crash dedup cache entry lifetime.
func (c *Config) DedupTTL() time.Duration {
	return parseDuration(c.Pipeline.DedupTTL, time.Hour)
}

// LLMTimeout returns the per-call LLM budget.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 30*time.Second)
}

// EmbeddingTimeout returns the per-call embedding budget.
func (c *Config) EmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 15*time.Second)
}

// RegistryTimeout returns the per-call registry budget.
func (c *Config) RegistryTimeout() time.Duration {
	return parseDuration(c.Registry.Timeout, 10*time.Second)
}

// ReadTimeout returns the HTTP server read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 30*time.Second)
}

// ShutdownTimeout returns the graceful-shutdown deadline.
func (c *Config) ShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, keys ...string) {
	if v, ok := lookupInt(keys...); ok {
		*dst = v
	}
}

func setBool(dst *bool, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			parsed, err := strconv.ParseBool(v)
			if err == nil {
				*dst = parsed
			}
			return
		}
	}
}

func lookupInt(keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n, true
			}
			return 0, false
		}
	}
	return 0, false
}
