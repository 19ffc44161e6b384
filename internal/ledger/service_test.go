package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/breaker"
	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/counter"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/notify"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/risk"
)

type testEnv struct {
	service *Service
	store   *repository.SQLStore
	bus     *bus.ChannelBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ledger-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	store, err := repository.New(domain.LedgerStoreConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	counters := counter.NewMemoryStore()
	t.Cleanup(func() { counters.Close() })

	cfg := risk.DefaultConfig()
	cfg.HighRiskCountries = map[string]bool{"XX": true}
	engine, err := risk.NewEngine(cfg, counters, store)
	if err != nil {
		t.Fatalf("failed to create risk engine: %v", err)
	}

	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	notifyBreaker := breaker.New("test-notifications", 5, time.Minute)
	t.Cleanup(func() { notifyBreaker.Close() })

	service := NewService(store, engine, channelBus, notify.LogNotifier{}, notifyBreaker)
	return &testEnv{service: service, store: store, bus: channelBus}
}

// deposit funds a wallet with a low-risk deposit and fails the test if
// it does not complete.
func (e *testEnv) deposit(t *testing.T, userID string, amount float64) {
	t.Helper()
	tx, err := e.service.CreateTransaction(context.Background(), &CreateTransactionInput{
		UserID:   userID,
		Type:     domain.TypeDeposit,
		Amount:   amount,
		Currency: "MAD",
		Tier:     domain.TierAdmin,
	})
	if err != nil {
		t.Fatalf("funding deposit failed: %v", err)
	}
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("funding deposit not completed: %s", tx.Status)
	}
}

var referencePattern = regexp.MustCompile(`^TRX-\d{8}-[A-Z0-9]{5}$`)

func TestCreateTransactionDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(ctx, domain.TopicTransactionCompleted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tx, err := env.service.CreateTransaction(ctx, &CreateTransactionInput{
		UserID:      "user-dep",
		Type:        domain.TypeDeposit,
		Amount:      500,
		Currency:    "MAD",
		Description: "salary",
		Tier:        domain.TierStandard,
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if tx.Status != domain.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.Amount != 500 {
		t.Errorf("expected amount +500, got %.2f", tx.Amount)
	}
	if !referencePattern.MatchString(tx.Reference) {
		t.Errorf("reference %q does not match TRX-YYYYMMDD-XXXXX", tx.Reference)
	}

	balance, err := env.service.GetBalance(ctx, "user-dep", "MAD")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 500 {
		t.Errorf("expected balance 500, got %.2f", balance)
	}

	// Completion event published
	select {
	case msg := <-received:
		var published domain.Transaction
		if err := json.Unmarshal(msg.Payload, &published); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if published.ID != tx.ID {
			t.Errorf("expected event for %s, got %s", tx.ID, published.ID)
		}
		if published.Status != domain.StatusCompleted {
			t.Errorf("expected COMPLETED in event, got %s", published.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestCreateTransactionWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, "user-wd", 1000)

	tx, err := env.service.CreateTransaction(ctx, &CreateTransactionInput{
		UserID:   "user-wd",
		Type:     domain.TypeWithdrawal,
		Amount:   400,
		Currency: "MAD",
		Tier:     domain.TierStandard,
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	if tx.Status != domain.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.Amount != -400 {
		t.Errorf("expected amount -400, got %.2f", tx.Amount)
	}
	if !tx.Debit() {
		t.Error("withdrawal must be a debit")
	}

	balance, _ := env.service.GetBalance(ctx, "user-wd", "MAD")
	if balance != 600 {
		t.Errorf("expected balance 600, got %.2f", balance)
	}
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, "user-poor", 100)

	_, err := env.service.CreateTransaction(ctx, &CreateTransactionInput{
		UserID:   "user-poor",
		Type:     domain.TypeWithdrawal,
		Amount:   150,
		Currency: "MAD",
		Tier:     domain.TierStandard,
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got: %v", err)
	}

	// Balance untouched, and no ledger entry was written
	balance, _ := env.service.GetBalance(ctx, "user-poor", "MAD")
	if balance != 100 {
		t.Errorf("expected balance 100, got %.2f", balance)
	}

	txs, err := env.service.GetTransactionHistory(ctx, "user-poor", domain.TransactionFilter{Type: domain.TypeWithdrawal})
	if err != nil {
		t.Fatalf("GetTransactionHistory failed: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("expected no withdrawal entries, got %d", len(txs))
	}
}

func TestValidationRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input *CreateTransactionInput
	}{
		{"MissingUser", &CreateTransactionInput{Type: domain.TypeDeposit, Amount: 10, Currency: "MAD"}},
		{"BadType", &CreateTransactionInput{UserID: "u", Type: domain.TypeTransfer, Amount: 10, Currency: "MAD"}},
		{"ZeroAmount", &CreateTransactionInput{UserID: "u", Type: domain.TypeDeposit, Amount: 0, Currency: "MAD"}},
		{"NegativeAmount", &CreateTransactionInput{UserID: "u", Type: domain.TypeDeposit, Amount: -5, Currency: "MAD"}},
		{"TooLarge", &CreateTransactionInput{UserID: "u", Type: domain.TypeDeposit, Amount: 2_000_000, Currency: "MAD"}},
		{"BadCurrency", &CreateTransactionInput{UserID: "u", Type: domain.TypeDeposit, Amount: 10, Currency: "BTC"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.CreateTransaction(ctx, tt.input)
			if !domain.IsValidation(err) {
				t.Errorf("expected ValidationError, got: %v", err)
			}
		})
	}
}

func TestHighRiskBlocksTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Over the STANDARD ceiling, first-seen high-risk country, new
	// device and an automation agent: enough stacked factors for HIGH.
	tx, err := env.service.CreateTransaction(ctx, &CreateTransactionInput{
		UserID:    "user-risky",
		Type:      domain.TypeDeposit,
		Amount:    6_000,
		Currency:  "MAD",
		Tier:      domain.TierStandard,
		Country:   "XX",
		DeviceID:  "device-1",
		UserAgent: "curl/8.4.0",
	})
	if err != nil {
		t.Fatalf("CreateTransaction returned error for blocked transaction: %v", err)
	}

	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED for high-risk transaction, got %s", tx.Status)
	}

	// No money moved
	balance, _ := env.service.GetBalance(ctx, "user-risky", "MAD")
	if balance != 0 {
		t.Errorf("expected balance 0 after block, got %.2f", balance)
	}

	// The ledger entry exists in FAILED state
	stored, err := env.service.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Errorf("expected stored status FAILED, got %s", stored.Status)
	}
}

func TestTransferFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, "sender", 1000)

	debit, credit, err := env.service.TransferFunds(ctx, &TransferInput{
		FromUserID: "sender",
		ToUserID:   "receiver",
		Amount:     300,
		Currency:   "MAD",
		Tier:       domain.TierStandard,
	})
	if err != nil {
		t.Fatalf("TransferFunds failed: %v", err)
	}

	if debit.Status != domain.StatusCompleted || credit.Status != domain.StatusCompleted {
		t.Fatalf("expected both legs COMPLETED, got %s / %s", debit.Status, credit.Status)
	}
	if debit.Amount != -300 || credit.Amount != 300 {
		t.Errorf("expected amounts -300/+300, got %.2f/%.2f", debit.Amount, credit.Amount)
	}
	if debit.TransferID() == "" || debit.TransferID() != credit.TransferID() {
		t.Errorf("legs must share a transfer id, got %q and %q", debit.TransferID(), credit.TransferID())
	}
	if debit.Metadata[domain.MetaRecipientID] != "receiver" {
		t.Errorf("expected recipientId on debit leg, got %v", debit.Metadata)
	}
	if credit.Metadata[domain.MetaSenderID] != "sender" {
		t.Errorf("expected senderId on credit leg, got %v", credit.Metadata)
	}

	senderBal, _ := env.service.GetBalance(ctx, "sender", "MAD")
	receiverBal, _ := env.service.GetBalance(ctx, "receiver", "MAD")
	if senderBal != 700 {
		t.Errorf("expected sender balance 700, got %.2f", senderBal)
	}
	if receiverBal != 300 {
		t.Errorf("expected receiver balance 300, got %.2f", receiverBal)
	}
}

func TestTransferValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("SelfTransfer", func(t *testing.T) {
		_, _, err := env.service.TransferFunds(ctx, &TransferInput{
			FromUserID: "u1", ToUserID: "u1", Amount: 10, Currency: "MAD",
		})
		if !domain.IsValidation(err) {
			t.Errorf("expected ValidationError for self transfer, got: %v", err)
		}
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		_, _, err := env.service.TransferFunds(ctx, &TransferInput{
			FromUserID: "u-broke", ToUserID: "u2", Amount: 10, Currency: "MAD",
		})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Errorf("expected ErrInsufficientFunds, got: %v", err)
		}
	})
}

func TestHighRiskBlocksTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, "sender-risky", 50_000)

	debit, credit, err := env.service.TransferFunds(ctx, &TransferInput{
		FromUserID: "sender-risky",
		ToUserID:   "receiver-2",
		Amount:     20_000,
		Currency:   "MAD",
		Tier:       domain.TierStandard,
		Country:    "XX",
		DeviceID:   "device-9",
		UserAgent:  "python-requests/2.31",
	})
	if err != nil {
		t.Fatalf("TransferFunds returned error for blocked transfer: %v", err)
	}

	if debit.Status != domain.StatusFailed {
		t.Errorf("expected debit leg FAILED, got %s", debit.Status)
	}
	if credit.Status != domain.StatusCancelled {
		t.Errorf("expected credit leg CANCELLED, got %s", credit.Status)
	}

	// Nothing moved on either side
	senderBal, _ := env.service.GetBalance(ctx, "sender-risky", "MAD")
	receiverBal, _ := env.service.GetBalance(ctx, "receiver-2", "MAD")
	if senderBal != 50_000 {
		t.Errorf("expected sender balance unchanged, got %.2f", senderBal)
	}
	if receiverBal != 0 {
		t.Errorf("expected receiver balance 0, got %.2f", receiverBal)
	}
}

func TestTransferPublishesBothLegs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deposit(t, "sender-pub", 1000)

	received := make(chan *domain.Message, 4)
	if _, err := env.bus.Subscribe(ctx, domain.TopicTransactionCompleted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, _, err := env.service.TransferFunds(ctx, &TransferInput{
		FromUserID: "sender-pub", ToUserID: "receiver-pub", Amount: 100, Currency: "MAD", Tier: domain.TierStandard,
	}); err != nil {
		t.Fatalf("TransferFunds failed: %v", err)
	}

	users := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			var tx domain.Transaction
			if err := json.Unmarshal(msg.Payload, &tx); err != nil {
				t.Fatalf("failed to unmarshal event: %v", err)
			}
			users[tx.UserID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for transfer events")
		}
	}
	if !users["sender-pub"] || !users["receiver-pub"] {
		t.Errorf("expected events for both legs, got %v", users)
	}
}

func TestNewReference(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ref, err := newReference(now)
		if err != nil {
			t.Fatalf("newReference failed: %v", err)
		}
		if !referencePattern.MatchString(ref) {
			t.Fatalf("reference %q does not match TRX-YYYYMMDD-XXXXX", ref)
		}
		if ref[:12] != "TRX-20260831" {
			t.Errorf("expected date prefix TRX-20260831, got %s", ref[:12])
		}
		seen[ref] = true
	}
	// crypto/rand suffixes: collisions over 100 draws should not happen
	if len(seen) < 99 {
		t.Errorf("too many collisions: %d distinct of 100", len(seen))
	}
}
