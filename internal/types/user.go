package types

import "time"

// =============================================================================
// USER AND QUOTA TYPES
// =============================================================================

// Tier is a subscription level. The tier is always re-read from the store,
// never trusted from the client.
type Tier string

const (
	TierFree    Tier = "free"
	TierTest    Tier = "test"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// ValidTier reports whether t names a known subscription tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierTest, TierPremium, TierPro:
		return true
	}
	return false
}

// Unlimited marks a limit field as uncapped.
const Unlimited = -1

// CustomLimits overrides tier defaults per field. Nil fields inherit the
// tier's value.
type CustomLimits struct {
	DailyRequests     *int `json:"daily_requests,omitempty"`
	MonthlyRequests   *int `json:"monthly_requests,omitempty"`
	MaxModsPerRequest *int `json:"max_mods_per_request,omitempty"`
	AITokenLimit      *int `json:"ai_token_limit,omitempty"`
}

// User carries the quota-relevant slice of an account row. Counters are
// mutated only by the quota gate.
type User struct {
	ID                  string        `json:"id"`
	SubscriptionTier    Tier          `json:"subscription_tier"`
	DailyRequestsUsed   int           `json:"daily_requests_used"`
	MonthlyRequestsUsed int           `json:"monthly_requests_used"`
	AITokensUsed        int           `json:"ai_tokens_used"`
	LastRequestDate     time.Time     `json:"last_request_date"`
	CustomLimits        *CustomLimits `json:"custom_limits,omitempty"`
}
