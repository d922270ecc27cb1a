package config

import "packsmith/internal/types"

// TierLimits are the per-tier quota defaults. Unlimited fields use -1.
type TierLimits struct {
	DailyRequests     int `yaml:"daily_requests"`
	MonthlyRequests   int `yaml:"monthly_requests"`
	MaxModsPerRequest int `yaml:"max_mods_per_request"`
	AITokenLimit      int `yaml:"ai_token_limit"`
}

// QuotaConfig is the tier table. The free tier is always fully zeroed; the
// gate rejects it before any paid call regardless of what a config file says.
type QuotaConfig struct {
	Tiers map[string]TierLimits `yaml:"tiers"`
}

// DefaultQuotaConfig returns the built-in tier table.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		Tiers: map[string]TierLimits{
			string(types.TierFree): {
				DailyRequests:     0,
				MonthlyRequests:   0,
				MaxModsPerRequest: 0,
				AITokenLimit:      0,
			},
			string(types.TierTest): {
				DailyRequests:     50,
				MonthlyRequests:   1000,
				MaxModsPerRequest: 50,
				AITokenLimit:      100_000,
			},
			string(types.TierPremium): {
				DailyRequests:     200,
				MonthlyRequests:   5000,
				MaxModsPerRequest: 100,
				AITokenLimit:      500_000,
			},
			string(types.TierPro): {
				DailyRequests:     types.Unlimited,
				MonthlyRequests:   types.Unlimited,
				MaxModsPerRequest: 200,
				AITokenLimit:      types.Unlimited,
			},
		},
	}
}

// LimitsFor returns the tier row, or the zeroed free row for unknown tiers so
// a typo in the database can never grant access.
func (q QuotaConfig) LimitsFor(tier types.Tier) TierLimits {
	if l, ok := q.Tiers[string(tier)]; ok {
		return l
	}
	return TierLimits{}
}
