package config

// LLMConfig configures the JSON-mode chat-completion gateway.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Timeout is the total budget for one logical call including retries.
	Timeout string `yaml:"timeout"`

	// MaxAttempts bounds transport-level retries per call.
	MaxAttempts int `yaml:"max_attempts"`

	// Cost rates in USD per million tokens, used for cost attribution only.
	InputCostPer1M  float64 `yaml:"input_cost_per_1m"`
	OutputCostPer1M float64 `yaml:"output_cost_per_1m"`
}

// Cost computes the USD cost of a call at the configured rates.
func (c *LLMConfig) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*c.InputCostPer1M + float64(outputTokens)*c.OutputCostPer1M) / 1_000_000
}
