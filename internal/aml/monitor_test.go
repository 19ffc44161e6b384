package aml

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/counter"
	"github.com/opensource-finance/kite/internal/domain"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RapidThreshold = 5
	cfg.RecipientThreshold = 3
	cfg.SmallWindowCap = 5
	return cfg
}

func newTx(userID string, txType domain.TransactionType, amount float64) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:        fmt.Sprintf("tx-%s-%d", userID, now.UnixNano()),
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		Currency:  "MAD",
		Status:    domain.StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func hasPattern(patterns []domain.SuspiciousPattern, pt domain.PatternType) bool {
	for _, p := range patterns {
		if p.Type == pt {
			return true
		}
	}
	return false
}

func TestRapidTransactions(t *testing.T) {
	counters := counter.NewMemoryStore()
	defer counters.Close()
	monitor := NewMonitor(testConfig(), counters)
	ctx := context.Background()

	// First 5 transactions stay under the threshold
	for i := 0; i < 5; i++ {
		patterns := monitor.Evaluate(ctx, newTx("user-rapid", domain.TypeDeposit, 500))
		if hasPattern(patterns, domain.PatternRapidTransactions) {
			t.Fatalf("rapid pattern fired at transaction %d, threshold is 5", i+1)
		}
	}

	// The 6th crosses it
	patterns := monitor.Evaluate(ctx, newTx("user-rapid", domain.TypeDeposit, 500))
	if !hasPattern(patterns, domain.PatternRapidTransactions) {
		t.Error("expected rapid pattern on 6th transaction")
	}

	for _, p := range patterns {
		if p.Type == domain.PatternRapidTransactions && p.Severity != domain.RiskMedium {
			t.Errorf("expected MEDIUM severity, got %s", p.Severity)
		}
	}

	// Another user is unaffected
	patterns = monitor.Evaluate(ctx, newTx("user-other", domain.TypeDeposit, 500))
	if hasPattern(patterns, domain.PatternRapidTransactions) {
		t.Error("rapid pattern leaked across users")
	}
}

func TestInstantTopupWithdrawal(t *testing.T) {
	counters := counter.NewMemoryStore()
	defer counters.Close()
	monitor := NewMonitor(testConfig(), counters)
	ctx := context.Background()

	t.Run("WithdrawalAfterTopup", func(t *testing.T) {
		monitor.Evaluate(ctx, newTx("user-itw", domain.TypeDeposit, 1000))

		patterns := monitor.Evaluate(ctx, newTx("user-itw", domain.TypeWithdrawal, -900))
		if !hasPattern(patterns, domain.PatternInstantTopupWithdrawal) {
			t.Error("expected instant topup-withdrawal pattern")
		}
		for _, p := range patterns {
			if p.Type == domain.PatternInstantTopupWithdrawal && p.Severity != domain.RiskHigh {
				t.Errorf("expected HIGH severity, got %s", p.Severity)
			}
		}
	})

	t.Run("WithdrawalWithoutTopup", func(t *testing.T) {
		patterns := monitor.Evaluate(ctx, newTx("user-itw2", domain.TypeWithdrawal, -100))
		if hasPattern(patterns, domain.PatternInstantTopupWithdrawal) {
			t.Error("pattern fired without a preceding top-up")
		}
	})

	t.Run("ExpiredMarker", func(t *testing.T) {
		cfg := testConfig()
		cfg.TopupMarkerTTL = time.Millisecond
		shortMonitor := NewMonitor(cfg, counters)

		shortMonitor.Evaluate(ctx, newTx("user-itw3", domain.TypeDeposit, 1000))
		time.Sleep(5 * time.Millisecond)

		patterns := shortMonitor.Evaluate(ctx, newTx("user-itw3", domain.TypeWithdrawal, -900))
		if hasPattern(patterns, domain.PatternInstantTopupWithdrawal) {
			t.Error("pattern fired after the marker expired")
		}
	})
}

func TestMultipleRecipients(t *testing.T) {
	counters := counter.NewMemoryStore()
	defer counters.Close()
	monitor := NewMonitor(testConfig(), counters)
	ctx := context.Background()

	transferTo := func(recipient string) *domain.Transaction {
		tx := newTx("user-fan", domain.TypeTransfer, -100)
		tx.Metadata = map[string]any{
			domain.MetaTransferID:  "transfer-" + recipient,
			domain.MetaRecipientID: recipient,
		}
		return tx
	}

	// Three distinct recipients stay at the threshold
	for i := 0; i < 3; i++ {
		patterns := monitor.Evaluate(ctx, transferTo(fmt.Sprintf("r%d", i)))
		if hasPattern(patterns, domain.PatternMultipleRecipients) {
			t.Fatalf("pattern fired at recipient %d, threshold is 3", i+1)
		}
	}

	// Repeating a known recipient does not cross
	patterns := monitor.Evaluate(ctx, transferTo("r0"))
	if hasPattern(patterns, domain.PatternMultipleRecipients) {
		t.Error("pattern fired on a repeated recipient")
	}

	// A fourth distinct recipient crosses
	patterns = monitor.Evaluate(ctx, transferTo("r3"))
	if !hasPattern(patterns, domain.PatternMultipleRecipients) {
		t.Error("expected multiple-recipients pattern on 4th distinct recipient")
	}

	t.Run("CreditLegIgnored", func(t *testing.T) {
		credit := newTx("user-fan2", domain.TypeTransfer, 100)
		credit.Metadata = map[string]any{domain.MetaSenderID: "someone"}

		patterns := monitor.Evaluate(ctx, credit)
		if hasPattern(patterns, domain.PatternMultipleRecipients) {
			t.Error("credit leg must not count as a recipient")
		}
	})
}

func TestSmallTransactions(t *testing.T) {
	counters := counter.NewMemoryStore()
	defer counters.Close()
	monitor := NewMonitor(testConfig(), counters)
	ctx := context.Background()

	// Four small withdrawals stay under the cap of 5
	for i := 0; i < 4; i++ {
		patterns := monitor.Evaluate(ctx, newTx("user-small", domain.TypeWithdrawal, -50))
		if hasPattern(patterns, domain.PatternSmallTransactions) {
			t.Fatalf("pattern fired at transaction %d, cap is 5", i+1)
		}
	}

	// Fifth fills the window
	patterns := monitor.Evaluate(ctx, newTx("user-small", domain.TypeWithdrawal, -50))
	if !hasPattern(patterns, domain.PatternSmallTransactions) {
		t.Error("expected structuring pattern when the window fills")
	}

	t.Run("LargeAmountsIgnored", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			patterns := monitor.Evaluate(ctx, newTx("user-big", domain.TypeWithdrawal, -500))
			if hasPattern(patterns, domain.PatternSmallTransactions) {
				t.Fatal("pattern fired for amounts above the small threshold")
			}
		}
	})
}

func TestMultiplePatternsInOneEvaluation(t *testing.T) {
	counters := counter.NewMemoryStore()
	defer counters.Close()
	cfg := testConfig()
	cfg.RapidThreshold = 2
	monitor := NewMonitor(cfg, counters)
	ctx := context.Background()

	monitor.Evaluate(ctx, newTx("user-multi", domain.TypeDeposit, 1000))
	monitor.Evaluate(ctx, newTx("user-multi", domain.TypeDeposit, 1000))

	// Third transaction: rapid (threshold 2) + instant topup-withdrawal
	patterns := monitor.Evaluate(ctx, newTx("user-multi", domain.TypeWithdrawal, -900))
	if !hasPattern(patterns, domain.PatternRapidTransactions) {
		t.Error("expected rapid pattern")
	}
	if !hasPattern(patterns, domain.PatternInstantTopupWithdrawal) {
		t.Error("expected instant topup-withdrawal pattern")
	}
}
