// Package ledger implements the transaction ledger: validation, risk
// gating, balance mutation and event emission for every money
// movement.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kite/internal/breaker"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/risk"
)

// Service orchestrates the transaction pipeline. Preventive controls
// (validation, balance guard, risk gate) run inline; detective
// controls (AML, alerts) consume the completed-transaction topic
// asynchronously.
type Service struct {
	store    domain.LedgerStore
	risk     *risk.Engine
	bus      domain.EventBus
	notifier domain.Notifier

	notifyBreaker *breaker.Breaker
}

// NewService creates the ledger service. The breaker guards
// notification dispatch so a failing notifier cannot slow the
// transaction path.
func NewService(store domain.LedgerStore, engine *risk.Engine, bus domain.EventBus, notifier domain.Notifier, notifyBreaker *breaker.Breaker) *Service {
	return &Service{
		store:         store,
		risk:          engine,
		bus:           bus,
		notifier:      notifier,
		notifyBreaker: notifyBreaker,
	}
}

// CreateTransactionInput carries one deposit or withdrawal attempt.
// Amount is positive; the service signs it by type. Tier, Country,
// DeviceID and UserAgent feed risk scoring and are resolved by the
// caller.
type CreateTransactionInput struct {
	UserID      string
	Type        domain.TransactionType
	Amount      float64
	Currency    string
	Description string
	Metadata    map[string]any

	Tier      domain.UserTier
	Country   string
	DeviceID  string
	UserAgent string
}

// TransferInput carries a wallet-to-wallet transfer attempt.
type TransferInput struct {
	FromUserID  string
	ToUserID    string
	Amount      float64
	Currency    string
	Description string

	Tier      domain.UserTier
	Country   string
	DeviceID  string
	UserAgent string
}

// CreateTransaction runs one deposit or withdrawal through the full
// pipeline: validate, persist PENDING, score, gate, mutate balance,
// complete, publish.
//
// A high-risk block is not an error: the transaction comes back FAILED
// with a nil error, and the caller reads the outcome off the status.
func (s *Service) CreateTransaction(ctx context.Context, in *CreateTransactionInput) (*domain.Transaction, error) {
	if err := s.validateTransaction(ctx, in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reference, err := newReference(now)
	if err != nil {
		return nil, err
	}

	amount := in.Amount
	if in.Type == domain.TypeWithdrawal {
		amount = -amount
	}

	tx := &domain.Transaction{
		ID:          uuid.New().String(),
		UserID:      in.UserID,
		Type:        in.Type,
		Amount:      amount,
		Currency:    in.Currency,
		Status:      domain.StatusPending,
		Reference:   reference,
		Description: in.Description,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			return nil, domain.NewValidationError("reference", "transaction reference already exists")
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	assessment, err := s.assess(ctx, tx, in.UserID, in.Tier, in.Country, in.DeviceID, in.UserAgent)
	if err != nil {
		s.fail(ctx, tx)
		return nil, err
	}

	if assessment.Level == domain.RiskHigh {
		s.block(ctx, tx, assessment)
		return tx, nil
	}

	if err := s.applyBalance(ctx, tx); err != nil {
		s.fail(ctx, tx)
		return nil, err
	}

	s.complete(ctx, tx)
	s.notifyTransaction(tx)
	return tx, nil
}

// TransferFunds moves funds between two wallets as an atomic pair of
// ledger entries. Both legs are inserted PENDING in one store
// transaction; risk is scored on each side, and a block on either leg
// fails that leg and cancels the other.
func (s *Service) TransferFunds(ctx context.Context, in *TransferInput) (debit, credit *domain.Transaction, err error) {
	if err := s.validateTransfer(ctx, in); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	transferID := uuid.New().String()

	debitRef, err := newReference(now)
	if err != nil {
		return nil, nil, err
	}
	creditRef, err := newReference(now)
	if err != nil {
		return nil, nil, err
	}

	debit = &domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    in.FromUserID,
		Type:      domain.TypeTransfer,
		Amount:    -in.Amount,
		Currency:  in.Currency,
		Status:    domain.StatusPending,
		Reference: debitRef,
		Description: firstNonEmpty(in.Description,
			fmt.Sprintf("Transfer to %s", in.ToUserID)),
		Metadata: map[string]any{
			domain.MetaTransferID:  transferID,
			domain.MetaRecipientID: in.ToUserID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	credit = &domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    in.ToUserID,
		Type:      domain.TypeTransfer,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Status:    domain.StatusPending,
		Reference: creditRef,
		Description: firstNonEmpty(in.Description,
			fmt.Sprintf("Transfer from %s", in.FromUserID)),
		Metadata: map[string]any{
			domain.MetaTransferID: transferID,
			domain.MetaSenderID:   in.FromUserID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateTransactionPair(ctx, debit, credit); err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			return nil, nil, domain.NewValidationError("reference", "transaction reference already exists")
		}
		return nil, nil, fmt.Errorf("failed to create transfer pair: %w", err)
	}

	senderAssessment, err := s.assess(ctx, debit, in.FromUserID, in.Tier, in.Country, in.DeviceID, in.UserAgent)
	if err != nil {
		s.fail(ctx, debit)
		s.cancel(ctx, credit)
		return nil, nil, err
	}
	if senderAssessment.Level == domain.RiskHigh {
		s.block(ctx, debit, senderAssessment)
		s.cancel(ctx, credit)
		return debit, credit, nil
	}

	// The receiving side is scored on its own history; tier and device
	// context belong to the initiator, not the receiver.
	receiverAssessment, err := s.assess(ctx, credit, in.ToUserID, domain.TierStandard, "", "", "")
	if err != nil {
		s.fail(ctx, credit)
		s.cancel(ctx, debit)
		return nil, nil, err
	}
	if receiverAssessment.Level == domain.RiskHigh {
		s.block(ctx, credit, receiverAssessment)
		s.cancel(ctx, debit)
		return debit, credit, nil
	}

	if err := s.store.TransferBalances(ctx, in.FromUserID, in.ToUserID, in.Currency, in.Amount); err != nil {
		s.fail(ctx, debit)
		s.fail(ctx, credit)
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return nil, nil, domain.ErrInsufficientFunds
		}
		return nil, nil, fmt.Errorf("failed to transfer balances: %w", err)
	}

	s.complete(ctx, debit)
	s.complete(ctx, credit)
	s.notifyTransaction(debit)
	s.notifyTransaction(credit)
	return debit, credit, nil
}

// GetTransaction returns a single transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, txID)
}

// GetTransactionHistory returns the user's transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, filter)
}

// GetBalance returns the user's balance in a currency.
func (s *Service) GetBalance(ctx context.Context, userID, currency string) (float64, error) {
	return s.store.GetBalance(ctx, userID, currency)
}

// validateTransaction rejects malformed input before any side effect.
func (s *Service) validateTransaction(ctx context.Context, in *CreateTransactionInput) error {
	if in.UserID == "" {
		return domain.NewValidationError("userId", "user id is required")
	}
	switch in.Type {
	case domain.TypeDeposit, domain.TypeWithdrawal:
	default:
		return domain.NewValidationError("type", fmt.Sprintf("unsupported transaction type %q", in.Type))
	}
	if err := validateAmount(in.Amount); err != nil {
		return err
	}
	if err := validateCurrency(in.Currency); err != nil {
		return err
	}

	// Pre-check the balance so obviously unfunded withdrawals are
	// rejected before a PENDING row is written. The conditional debit
	// re-checks under the store's guard, so a concurrent spend between
	// here and there still cannot overdraw.
	if in.Type == domain.TypeWithdrawal {
		balance, err := s.store.GetBalance(ctx, in.UserID, in.Currency)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if balance < in.Amount {
			return domain.ErrInsufficientFunds
		}
	}
	return nil
}

func (s *Service) validateTransfer(ctx context.Context, in *TransferInput) error {
	if in.FromUserID == "" {
		return domain.NewValidationError("fromUserId", "sender id is required")
	}
	if in.ToUserID == "" {
		return domain.NewValidationError("toUserId", "recipient id is required")
	}
	if in.FromUserID == in.ToUserID {
		return domain.NewValidationError("toUserId", "cannot transfer to self")
	}
	if err := validateAmount(in.Amount); err != nil {
		return err
	}
	if err := validateCurrency(in.Currency); err != nil {
		return err
	}

	balance, err := s.store.GetBalance(ctx, in.FromUserID, in.Currency)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < in.Amount {
		return domain.ErrInsufficientFunds
	}
	return nil
}

func validateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return domain.NewValidationError("amount", "amount must be a finite number")
	}
	if amount < domain.MinTransactionAmount {
		return domain.NewValidationError("amount",
			fmt.Sprintf("amount must be at least %.2f", domain.MinTransactionAmount))
	}
	if amount > domain.MaxTransactionAmount {
		return domain.NewValidationError("amount",
			fmt.Sprintf("amount must not exceed %.0f", domain.MaxTransactionAmount))
	}
	return nil
}

func validateCurrency(currency string) error {
	if !domain.SupportedCurrencies[currency] {
		return domain.NewValidationError("currency", fmt.Sprintf("unsupported currency %q", currency))
	}
	return nil
}

// assess runs risk scoring for one leg. Scoring fails closed: any
// store error surfaces as ErrStoreUnavailable and the caller fails the
// transaction instead of letting it through unscored.
func (s *Service) assess(ctx context.Context, tx *domain.Transaction, userID string, tier domain.UserTier, country, deviceID, userAgent string) (*domain.RiskAssessment, error) {
	assessment, err := s.risk.Assess(ctx, &risk.Context{
		UserID:    userID,
		Type:      tx.Type,
		Amount:    math.Abs(tx.Amount),
		Currency:  tx.Currency,
		Tier:      tier,
		Country:   country,
		DeviceID:  deviceID,
		UserAgent: userAgent,
		Metadata:  tx.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("risk assessment failed: %w", err)
	}

	slog.Info("risk assessment",
		"transaction_id", tx.ID,
		"user_id", userID,
		"score", assessment.Score,
		"level", assessment.Level,
	)
	return assessment, nil
}

// applyBalance mutates the wallet for a single-leg transaction. The
// debit path is conditional at the store; losing the race to a
// concurrent spend fails this transaction rather than overdrawing.
func (s *Service) applyBalance(ctx context.Context, tx *domain.Transaction) error {
	if tx.Debit() {
		if err := s.store.DebitBalance(ctx, tx.UserID, tx.Currency, -tx.Amount); err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return domain.ErrInsufficientFunds
			}
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		return nil
	}
	if err := s.store.CreditBalance(ctx, tx.UserID, tx.Currency, tx.Amount); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// complete marks a transaction COMPLETED and publishes it for the
// detective controls. Publish failures are logged, never surfaced: the
// money has already moved.
func (s *Service) complete(ctx context.Context, tx *domain.Transaction) {
	s.transition(ctx, tx, domain.StatusCompleted)

	payload, err := json.Marshal(tx)
	if err != nil {
		slog.Error("failed to marshal transaction event", "transaction_id", tx.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicTransactionCompleted, payload); err != nil {
		slog.Error("failed to publish transaction event", "transaction_id", tx.ID, "error", err)
	}
}

// block fails a transaction on a high-risk assessment and notifies the
// user through the security channel.
func (s *Service) block(ctx context.Context, tx *domain.Transaction, assessment *domain.RiskAssessment) {
	s.transition(ctx, tx, domain.StatusFailed)

	slog.Warn("transaction blocked",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"score", assessment.Score,
		"factors", assessment.Factors,
	)

	s.notify(&domain.Notification{
		UserID:  tx.UserID,
		Type:    domain.NotifySecurity,
		Title:   "Transaction blocked",
		Message: fmt.Sprintf("Your %s of %.2f %s was blocked by our security checks.", tx.Type, math.Abs(tx.Amount), tx.Currency),
	})
}

func (s *Service) fail(ctx context.Context, tx *domain.Transaction) {
	s.transition(ctx, tx, domain.StatusFailed)
}

func (s *Service) cancel(ctx context.Context, tx *domain.Transaction) {
	s.transition(ctx, tx, domain.StatusCancelled)
}

// transition moves a PENDING transaction to a terminal state and
// mirrors it on the in-memory copy. A lost status race is logged; the
// store's transition guard keeps the first terminal state.
func (s *Service) transition(ctx context.Context, tx *domain.Transaction, status domain.TransactionStatus) {
	if err := s.store.UpdateTransactionStatus(ctx, tx.ID, status); err != nil {
		slog.Error("failed to update transaction status",
			"transaction_id", tx.ID,
			"status", status,
			"error", err,
		)
		return
	}
	tx.Status = status
	tx.UpdatedAt = time.Now().UTC()
}

// notifyTransaction sends the user a completion notification.
func (s *Service) notifyTransaction(tx *domain.Transaction) {
	verb := "received"
	if tx.Debit() {
		verb = "sent"
	}
	s.notify(&domain.Notification{
		UserID:  tx.UserID,
		Type:    domain.NotifyTransaction,
		Title:   "Transaction completed",
		Message: fmt.Sprintf("You %s %.2f %s.", verb, math.Abs(tx.Amount), tx.Currency),
	})
}

// notify dispatches through the breaker off the transaction path.
// Failures open the breaker and are logged; they never affect the
// transaction outcome.
func (s *Service) notify(n *domain.Notification) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.notifyBreaker.Do(ctx, func(ctx context.Context) error {
			return s.notifier.Send(ctx, n)
		})
		if err != nil {
			slog.Warn("notification dispatch failed",
				"user_id", n.UserID,
				"type", n.Type,
				"error", err,
			)
		}
	}()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
