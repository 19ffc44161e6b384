// Package alerts converts repeated suspicious patterns into
// deduplicated, persisted compliance alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kite/internal/domain"
)

// Manager applies per-pattern occurrence thresholds and cooldowns.
// The occurrence bump and reset is one atomic store operation, so two
// requests crossing the threshold together still produce one alert.
type Manager struct {
	counters domain.CounterStore
	store    domain.LedgerStore
	policies map[domain.PatternType]domain.AlertPolicy
}

// NewManager creates a new alert manager. Nil policies fall back to
// the defaults.
func NewManager(counters domain.CounterStore, store domain.LedgerStore, policies map[domain.PatternType]domain.AlertPolicy) *Manager {
	if policies == nil {
		policies = domain.DefaultAlertPolicies()
	}
	return &Manager{
		counters: counters,
		store:    store,
		policies: policies,
	}
}

// HandleSuspiciousActivity records one pattern occurrence for a user.
// While the (user, pattern type) pair is in cooldown this is a no-op.
// Otherwise the occurrence counter is bumped; on reaching the
// configured threshold an Alert is persisted, the cooldown starts and
// the counter resets. Returns the created alert, or nil when the
// occurrence was absorbed.
func (m *Manager) HandleSuspiciousActivity(ctx context.Context, userID string, pattern domain.SuspiciousPattern, details string) (*domain.Alert, error) {
	policy, ok := m.policies[pattern.Type]
	if !ok {
		slog.Warn("no alert policy for pattern, dropping",
			"pattern", pattern.Type,
			"user_id", userID,
		)
		return nil, nil
	}

	cooldownKey := fmt.Sprintf("alerts:cooldown:%s:%s", userID, pattern.Type)
	inCooldown, err := m.counters.HasMarker(ctx, cooldownKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cooldown check: %v", domain.ErrStoreUnavailable, err)
	}
	if inCooldown {
		return nil, nil
	}

	occurrenceKey := fmt.Sprintf("alerts:occurrences:%s:%s", userID, pattern.Type)
	crossed, err := m.counters.BumpOccurrence(ctx, occurrenceKey, policy.OccurrenceThreshold, policy.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("%w: occurrence counter: %v", domain.ErrStoreUnavailable, err)
	}
	if !crossed {
		return nil, nil
	}

	alert := &domain.Alert{
		ID:     uuid.New().String(),
		UserID: userID,
		Pattern: domain.SuspiciousPattern{
			Type:        pattern.Type,
			Description: pattern.Description,
			Severity:    policy.Severity,
		},
		Timestamp: time.Now().UTC(),
		Details:   details,
	}

	// Persist before starting the cooldown: a failed write must not
	// suppress the alert for a whole cooldown window. BumpOccurrence is
	// atomic, so retried occurrences cannot double-alert.
	if err := m.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert: %w", err)
	}

	if err := m.counters.SetMarker(ctx, cooldownKey, policy.Cooldown); err != nil {
		return nil, fmt.Errorf("%w: cooldown marker: %v", domain.ErrStoreUnavailable, err)
	}

	slog.Warn("compliance alert created",
		"security_event", "alert",
		"alert_id", alert.ID,
		"user_id", userID,
		"pattern", pattern.Type,
		"severity", policy.Severity,
	)

	return alert, nil
}

// GetAlerts lists a user's alerts, newest first.
func (m *Manager) GetAlerts(ctx context.Context, userID string) ([]*domain.Alert, error) {
	return m.store.ListAlerts(ctx, userID)
}

// ClearAlerts removes all alerts for a user and returns the count.
func (m *Manager) ClearAlerts(ctx context.Context, userID string) (int64, error) {
	return m.store.DeleteAlerts(ctx, userID)
}
