package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"packsmith/internal/types"
)

// dateLayout stores last_request_date as a UTC calendar day so the daily and
// monthly reset comparisons are plain string operations.
const dateLayout = "2006-01-02"

// GetUser fetches the quota-relevant slice of an account row.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	var lastDate string
	var limits []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_tier, daily_requests_used, monthly_requests_used,
			ai_tokens_used, last_request_date, custom_limits
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.SubscriptionTier, &u.DailyRequestsUsed, &u.MonthlyRequestsUsed,
			&u.AITokensUsed, &lastDate, &limits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}

	if lastDate != "" {
		if t, err := time.Parse(dateLayout, lastDate); err == nil {
			u.LastRequestDate = t
		}
	}
	if len(limits) > 0 {
		var cl types.CustomLimits
		if err := json.Unmarshal(limits, &cl); err == nil {
			u.CustomLimits = &cl
		}
	}
	return &u, nil
}

// CommitUsage records one successful pipeline completion: +1 daily, +1
// monthly, plus the consumed tokens. The update is conditional on the stored
// last_request_date so a concurrent reset at a day or month boundary is never
// lost: when the stored date no longer matches what the caller read, the
// counters restart from this request instead of stacking onto stale values.
func (s *Store) CommitUsage(ctx context.Context, userID string, seenDate time.Time, now time.Time, tokens int) error {
	today := now.UTC().Format(dateLayout)
	seen := ""
	if !seenDate.IsZero() {
		seen = seenDate.UTC().Format(dateLayout)
	}
	sameDay := seen == today
	sameMonth := seen != "" && seenDate.UTC().Format("2006-01") == now.UTC().Format("2006-01")

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			daily_requests_used = CASE WHEN ? THEN daily_requests_used + 1 ELSE 1 END,
			monthly_requests_used = CASE WHEN ? THEN monthly_requests_used + 1 ELSE 1 END,
			ai_tokens_used = CASE WHEN ? THEN ai_tokens_used + ? ELSE ? END,
			last_request_date = ?
		 WHERE id = ? AND last_request_date = ?`,
		sameDay, sameMonth, sameMonth, tokens, tokens, today, userID, seen)
	if err != nil {
		return fmt.Errorf("failed to commit usage for %s: %w", userID, err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}

	// Another request moved the date under us; re-read and apply against the
	// fresh row. One level of recursion suffices because the date can only
	// move forward.
	fresh, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	freshSeen := ""
	if !fresh.LastRequestDate.IsZero() {
		freshSeen = fresh.LastRequestDate.UTC().Format(dateLayout)
	}
	if freshSeen == seen {
		return fmt.Errorf("usage commit for %s matched no row", userID)
	}
	return s.CommitUsage(ctx, userID, fresh.LastRequestDate, now, tokens)
}

// UpsertUser writes an account row. For provisioning and tests; the
// pipelines only read users and commit counters.
func (s *Store) UpsertUser(ctx context.Context, u *types.User) error {
	lastDate := ""
	if !u.LastRequestDate.IsZero() {
		lastDate = u.LastRequestDate.UTC().Format(dateLayout)
	}
	var limits []byte
	if u.CustomLimits != nil {
		limits = marshalJSON(u.CustomLimits)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, subscription_tier, daily_requests_used,
			monthly_requests_used, ai_tokens_used, last_request_date, custom_limits)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			subscription_tier=excluded.subscription_tier,
			daily_requests_used=excluded.daily_requests_used,
			monthly_requests_used=excluded.monthly_requests_used,
			ai_tokens_used=excluded.ai_tokens_used,
			last_request_date=excluded.last_request_date,
			custom_limits=excluded.custom_limits`,
		u.ID, string(u.SubscriptionTier), u.DailyRequestsUsed, u.MonthlyRequestsUsed,
		u.AITokensUsed, lastDate, limits)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}
