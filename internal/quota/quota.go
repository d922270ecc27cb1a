// Package quota gates the paid pipelines. The gate runs before any LLM call
// and charges counters only after a pipeline completes; failed and cancelled
// runs cost the user nothing.
package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"packsmith/internal/config"
	"packsmith/internal/logging"
	"packsmith/internal/metrics"
	"packsmith/internal/types"
)

// UserStore is the slice of the store the gate needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	CommitUsage(ctx context.Context, userID string, seenDate, now time.Time, tokens int) error
}

// Gate enforces tier quotas.
type Gate struct {
	store UserStore
	cfg   config.QuotaConfig
	now   func() time.Time
	log   *zap.Logger
}

// New builds a gate over the user store and tier table.
func New(store UserStore, cfg config.QuotaConfig) *Gate {
	return &Gate{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   logging.For(logging.ComponentQuota),
	}
}

// Admission is the gate's decision for one request, carried through the
// pipeline so completion can charge against the same snapshot.
type Admission struct {
	User    *types.User
	Limits  config.TierLimits
	MaxMods int
}

// Admit checks the user's remaining quota for a request of maxMods mods. The
// tier comes from the stored row, never from the caller. A zero or negative
// maxMods uses the tier's per-request maximum.
func (g *Gate) Admit(ctx context.Context, userID string, maxMods int) (*Admission, error) {
	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, types.WrapError(types.CodeUnauthorized, err, "unknown user")
	}

	limits := effectiveLimits(g.cfg.LimitsFor(u.SubscriptionTier), u.CustomLimits)

	// The free tier (and any unknown tier, which resolves to zeroed limits)
	// has no paid access at all.
	if limits.DailyRequests == 0 && limits.MonthlyRequests == 0 {
		metrics.RecordQuotaRejection(string(types.CodeTierForbidden))
		return nil, types.NewError(types.CodeTierForbidden,
			"tier %s does not include AI features", u.SubscriptionTier)
	}

	daily, monthly := g.effectiveCounters(u)
	if limits.DailyRequests != types.Unlimited && daily >= limits.DailyRequests {
		metrics.RecordQuotaRejection(string(types.CodeDailyExceeded))
		return nil, types.NewError(types.CodeDailyExceeded,
			"daily request limit of %d reached", limits.DailyRequests)
	}
	if limits.MonthlyRequests != types.Unlimited && monthly >= limits.MonthlyRequests {
		metrics.RecordQuotaRejection(string(types.CodeMonthlyExceeded))
		return nil, types.NewError(types.CodeMonthlyExceeded,
			"monthly request limit of %d reached", limits.MonthlyRequests)
	}
	if limits.AITokenLimit != types.Unlimited && g.tokensUsed(u) >= limits.AITokenLimit {
		metrics.RecordQuotaRejection(string(types.CodeTokensExceeded))
		return nil, types.NewError(types.CodeTokensExceeded,
			"monthly token budget of %d exhausted", limits.AITokenLimit)
	}

	if maxMods <= 0 || (limits.MaxModsPerRequest != types.Unlimited && maxMods > limits.MaxModsPerRequest) {
		maxMods = limits.MaxModsPerRequest
	}

	return &Admission{User: u, Limits: limits, MaxMods: maxMods}, nil
}

// Complete charges one request and its tokens against the admission snapshot.
// Called exactly once per successfully finished pipeline.
func (g *Gate) Complete(ctx context.Context, adm *Admission, usage types.TokenUsage) error {
	err := g.store.CommitUsage(ctx, adm.User.ID, adm.User.LastRequestDate, g.now(), usage.Total())
	if err != nil {
		// The pipeline already delivered its result; a lost charge is logged,
		// not surfaced to the user.
		g.log.Error("usage commit failed",
			zap.String("user_id", adm.User.ID),
			zap.Int("tokens", usage.Total()),
			zap.Error(err))
		return err
	}
	g.log.Info("usage committed",
		zap.String("user_id", adm.User.ID),
		zap.String("tier", string(adm.User.SubscriptionTier)),
		zap.Int("tokens", usage.Total()))
	return nil
}

// effectiveLimits overlays per-user custom limits on the tier defaults.
func effectiveLimits(base config.TierLimits, custom *types.CustomLimits) config.TierLimits {
	if custom == nil {
		return base
	}
	if custom.DailyRequests != nil {
		base.DailyRequests = *custom.DailyRequests
	}
	if custom.MonthlyRequests != nil {
		base.MonthlyRequests = *custom.MonthlyRequests
	}
	if custom.MaxModsPerRequest != nil {
		base.MaxModsPerRequest = *custom.MaxModsPerRequest
	}
	if custom.AITokenLimit != nil {
		base.AITokenLimit = *custom.AITokenLimit
	}
	return base
}

// effectiveCounters applies day and month rollover to the stored counters
// without writing anything: a counter from yesterday reads as zero today.
func (g *Gate) effectiveCounters(u *types.User) (daily, monthly int) {
	if u.LastRequestDate.IsZero() {
		return 0, 0
	}
	now := g.now().UTC()
	last := u.LastRequestDate.UTC()
	daily, monthly = u.DailyRequestsUsed, u.MonthlyRequestsUsed
	if last.Format("2006-01-02") != now.Format("2006-01-02") {
		daily = 0
	}
	if last.Format("2006-01") != now.Format("2006-01") {
		monthly = 0
	}
	return daily, monthly
}

// tokensUsed applies month rollover to the token counter.
func (g *Gate) tokensUsed(u *types.User) int {
	if u.LastRequestDate.IsZero() {
		return 0
	}
	if u.LastRequestDate.UTC().Format("2006-01") != g.now().UTC().Format("2006-01") {
		return 0
	}
	return u.AITokensUsed
}
