// Package aml implements the stateful anti-money-laundering pattern
// monitor. It runs after a transaction reaches a terminal state and
// is a detective control: it never blocks, reverses or fails money
// movement, and its internal errors stay inside the monitor.
package aml

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

// Config holds the pattern detection thresholds.
type Config struct {
	// Rapid transactions: window size and entry count that flags.
	RapidWindow    time.Duration
	RapidThreshold int64

	// Instant topup-then-withdrawal: how long a deposit arms the check.
	TopupMarkerTTL time.Duration

	// Multiple recipients: window and distinct recipient count.
	RecipientWindow    time.Duration
	RecipientThreshold int64

	// Structuring: "small" amount ceiling and the capped rolling
	// window that flags when full.
	SmallAmountThreshold float64
	SmallWindow          time.Duration
	SmallWindowCap       int
}

// DefaultConfig returns the standard AML thresholds.
func DefaultConfig() Config {
	return Config{
		RapidWindow:    24 * time.Hour,
		RapidThreshold: 20,

		TopupMarkerTTL: time.Hour,

		RecipientWindow:    24 * time.Hour,
		RecipientThreshold: 10,

		SmallAmountThreshold: 100,
		SmallWindow:          24 * time.Hour,
		SmallWindowCap:       100,
	}
}

// Monitor runs the four pattern checks against the counter store.
type Monitor struct {
	cfg      Config
	counters domain.CounterStore
}

// NewMonitor creates a new AML pattern monitor.
func NewMonitor(cfg Config, counters domain.CounterStore) *Monitor {
	return &Monitor{cfg: cfg, counters: counters}
}

// Evaluate runs all four checks against a terminal transaction and
// returns the detected patterns. Checks run unconditionally and
// independently; a failing check is logged and skipped so the rest
// still run. When anything is detected, the union is logged as a
// single suspicious-activity event.
func (m *Monitor) Evaluate(ctx context.Context, tx *domain.Transaction) []domain.SuspiciousPattern {
	var patterns []domain.SuspiciousPattern

	for _, check := range []func(context.Context, *domain.Transaction) (*domain.SuspiciousPattern, error){
		m.checkRapidTransactions,
		m.checkInstantTopupWithdrawal,
		m.checkMultipleRecipients,
		m.checkSmallTransactions,
	} {
		pattern, err := check(ctx, tx)
		if err != nil {
			slog.Error("aml check failed",
				"tx_id", tx.ID,
				"user_id", tx.UserID,
				"error", err,
			)
			continue
		}
		if pattern != nil {
			patterns = append(patterns, *pattern)
		}
	}

	if len(patterns) > 0 {
		types := make([]string, len(patterns))
		for i, p := range patterns {
			types[i] = string(p.Type)
		}
		slog.Warn("suspicious activity detected",
			"security_event", "aml_patterns",
			"user_id", tx.UserID,
			"tx_id", tx.ID,
			"patterns", types,
		)
	}

	return patterns
}

// checkRapidTransactions flags users exceeding the rapid threshold
// within the rolling window. Entries older than the window are pruned
// by the store on each append.
func (m *Monitor) checkRapidTransactions(ctx context.Context, tx *domain.Transaction) (*domain.SuspiciousPattern, error) {
	count, err := m.counters.AppendWindow(ctx, "aml:rapid:"+tx.UserID, tx.ID, m.cfg.RapidWindow, 0)
	if err != nil {
		return nil, err
	}
	if count <= m.cfg.RapidThreshold {
		return nil, nil
	}
	return &domain.SuspiciousPattern{
		Type:        domain.PatternRapidTransactions,
		Severity:    domain.RiskMedium,
		Description: fmt.Sprintf("%d transactions within %s", count, m.cfg.RapidWindow),
	}, nil
}

// checkInstantTopupWithdrawal arms on a deposit and fires when a
// withdrawal follows while the marker is live.
func (m *Monitor) checkInstantTopupWithdrawal(ctx context.Context, tx *domain.Transaction) (*domain.SuspiciousPattern, error) {
	key := "aml:topup:" + tx.UserID

	switch tx.Type {
	case domain.TypeDeposit:
		return nil, m.counters.SetMarker(ctx, key, m.cfg.TopupMarkerTTL)

	case domain.TypeWithdrawal:
		armed, err := m.counters.HasMarker(ctx, key)
		if err != nil {
			return nil, err
		}
		if !armed {
			return nil, nil
		}
		return &domain.SuspiciousPattern{
			Type:        domain.PatternInstantTopupWithdrawal,
			Severity:    domain.RiskHigh,
			Description: fmt.Sprintf("withdrawal within %s of a top-up", m.cfg.TopupMarkerTTL),
		}, nil
	}

	return nil, nil
}

// checkMultipleRecipients tracks distinct transfer recipients per
// sender within the rolling window.
func (m *Monitor) checkMultipleRecipients(ctx context.Context, tx *domain.Transaction) (*domain.SuspiciousPattern, error) {
	if tx.Type != domain.TypeTransfer || !tx.Debit() {
		return nil, nil
	}
	recipient, _ := tx.Metadata[domain.MetaRecipientID].(string)
	if recipient == "" {
		return nil, nil
	}

	count, err := m.counters.AddDistinct(ctx, "aml:recipients:"+tx.UserID, recipient, m.cfg.RecipientWindow)
	if err != nil {
		return nil, err
	}
	if count <= m.cfg.RecipientThreshold {
		return nil, nil
	}
	return &domain.SuspiciousPattern{
		Type:        domain.PatternMultipleRecipients,
		Severity:    domain.RiskHigh,
		Description: fmt.Sprintf("transfers to %d distinct recipients within %s", count, m.cfg.RecipientWindow),
	}, nil
}

// checkSmallTransactions detects structuring: many sub-threshold
// amounts. The window is capped; the pattern fires once the cap fills.
func (m *Monitor) checkSmallTransactions(ctx context.Context, tx *domain.Transaction) (*domain.SuspiciousPattern, error) {
	if math.Abs(tx.Amount) >= m.cfg.SmallAmountThreshold {
		return nil, nil
	}

	count, err := m.counters.AppendWindow(ctx, "aml:small:"+tx.UserID, tx.ID, m.cfg.SmallWindow, m.cfg.SmallWindowCap)
	if err != nil {
		return nil, err
	}
	if count < int64(m.cfg.SmallWindowCap) {
		return nil, nil
	}
	return &domain.SuspiciousPattern{
		Type:        domain.PatternSmallTransactions,
		Severity:    domain.RiskMedium,
		Description: fmt.Sprintf("%d transactions under %.0f within %s", count, m.cfg.SmallAmountThreshold, m.cfg.SmallWindow),
	}, nil
}
