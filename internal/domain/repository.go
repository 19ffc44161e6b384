package domain

import (
	"context"
	"time"
)

// LedgerStore is the durable, transactional record store for wallet
// balances, transactions and alerts.
//
// Balance mutations are conditional at the store: debits apply only
// when the resulting balance stays non-negative, so concurrent debits
// against one wallet serialize at the database rather than in
// application memory.
type LedgerStore interface {
	// Transaction operations. CreateTransaction returns
	// ErrDuplicateReference when the reference already exists.
	// CreateTransactionPair inserts both legs of a transfer in one
	// store transaction.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	CreateTransactionPair(ctx context.Context, debit, credit *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]*Transaction, error)

	// UpdateTransactionStatus moves a PENDING transaction to a
	// terminal state. Returns ErrTerminalTransaction if the
	// transaction already left PENDING.
	UpdateTransactionStatus(ctx context.Context, txID string, status TransactionStatus) error

	// AverageTransactionAmount returns the mean absolute amount of
	// the user's completed transactions, 0 when there are none.
	AverageTransactionAmount(ctx context.Context, userID string) (float64, error)

	// Wallet operations. DebitBalance and TransferBalances are
	// conditional decrements and return ErrInsufficientFunds when the
	// guard fails, leaving every balance untouched.
	GetBalance(ctx context.Context, userID, currency string) (float64, error)
	CreditBalance(ctx context.Context, userID, currency string, amount float64) error
	DebitBalance(ctx context.Context, userID, currency string, amount float64) error
	TransferBalances(ctx context.Context, fromUserID, toUserID, currency string, amount float64) error

	// Alert operations, keyed by user.
	SaveAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, userID string) ([]*Alert, error)
	DeleteAlerts(ctx context.Context, userID string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LedgerStoreConfig holds configuration for ledger store initialization.
type LedgerStoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
