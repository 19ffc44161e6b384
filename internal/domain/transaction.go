// Package domain defines the core types and interfaces for Kite.
package domain

import (
	"time"
)

// TransactionType classifies a money movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeWithdrawal TransactionType = "WITHDRAWAL"
	TypeTransfer   TransactionType = "TRANSFER"
)

// TransactionStatus is the lifecycle state of a transaction.
// A transaction is created PENDING and transitions exactly once to a
// terminal state. After that, no field changes except UpdatedAt.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether a status is final.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Metadata keys used to link related transactions.
const (
	// MetaTransferID links the two legs of a transfer.
	MetaTransferID = "transferId"

	// MetaRecipientID is set on the debit leg of a transfer and names
	// the receiving user.
	MetaRecipientID = "recipientId"

	// MetaSenderID is set on the credit leg of a transfer.
	MetaSenderID = "senderId"
)

// Transaction represents a single ledger entry. Amount is signed:
// positive for credits, negative for debits. A transfer is a pair of
// transactions (debit + credit) sharing one MetaTransferID value.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Type        TransactionType   `json:"type"`
	Amount      float64           `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	Reference   string            `json:"reference"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// TransferID returns the transfer link from metadata, if any.
func (t *Transaction) TransferID() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[MetaTransferID].(string); ok {
		return v
	}
	return ""
}

// Debit reports whether the transaction removes funds from the wallet.
func (t *Transaction) Debit() bool {
	return t.Amount < 0
}

// Wallet is one currency balance owned by a user. Balances are mutated
// only by the transaction ledger inside a committed store transaction
// and never go negative.
type Wallet struct {
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TransactionFilter narrows transaction history queries.
type TransactionFilter struct {
	Type   TransactionType
	Status TransactionStatus
	Since  time.Time
	Limit  int
}

// SupportedCurrencies is the set of currency codes the ledger accepts.
// MAD is the platform's base currency.
var SupportedCurrencies = map[string]bool{
	"MAD": true,
	"USD": true,
	"EUR": true,
	"GBP": true,
}

// BaseCurrency is the currency all risk thresholds are expressed in.
const BaseCurrency = "MAD"

// Transaction amount bounds in the base currency.
const (
	MinTransactionAmount = 0.01
	MaxTransactionAmount = 1_000_000.0
)
