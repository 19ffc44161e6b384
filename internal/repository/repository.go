// Package repository provides the durable ledger store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/kite/internal/domain"
)

// SQLStore implements domain.LedgerStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new ledger store based on configuration.
func New(cfg domain.LedgerStoreConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const insertTransaction = `
	INSERT INTO transactions (
		id, user_id, type, amount, currency, status,
		reference, description, metadata, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// CreateTransaction inserts a single transaction. The reference
// uniqueness constraint makes duplicate submissions fail here, never
// creating a second ledger entry.
func (s *SQLStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	metadata, _ := json.Marshal(tx.Metadata)

	_, err := s.db.ExecContext(ctx, s.rebind(insertTransaction),
		tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.Currency,
		string(tx.Status), tx.Reference, tx.Description, string(metadata),
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, tx.Reference)
	}
	return err
}

// CreateTransactionPair inserts both legs of a transfer in one store
// transaction so a crash cannot leave a lone debit record.
func (s *SQLStore) CreateTransactionPair(ctx context.Context, debit, credit *domain.Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	for _, tx := range []*domain.Transaction{debit, credit} {
		metadata, _ := json.Marshal(tx.Metadata)
		_, err := dbTx.ExecContext(ctx, s.rebind(insertTransaction),
			tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.Currency,
			string(tx.Status), tx.Reference, tx.Description, string(metadata),
			tx.CreatedAt, tx.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, tx.Reference)
			}
			return err
		}
	}

	return dbTx.Commit()
}

// GetTransaction retrieves a transaction by ID.
func (s *SQLStore) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, currency, status,
			   reference, description, metadata, created_at, updated_at
		FROM transactions
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(query), txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

// ListTransactions retrieves a user's transaction history, newest
// first, optionally filtered by type, status and time.
func (s *SQLStore) ListTransactions(ctx context.Context, userID string, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, currency, status,
			   reference, description, metadata, created_at, updated_at
		FROM transactions
		WHERE user_id = ?
	`
	args := []any{userID}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// UpdateTransactionStatus moves a PENDING transaction to a terminal
// state. The status predicate enforces the transition-exactly-once
// invariant at the store.
func (s *SQLStore) UpdateTransactionStatus(ctx context.Context, txID string, status domain.TransactionStatus) error {
	query := `
		UPDATE transactions
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, s.rebind(query),
		string(status), time.Now().UTC(), txID, string(domain.StatusPending))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetTransaction(ctx, txID); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrTerminalTransaction
	}

	return nil
}

// AverageTransactionAmount returns the mean absolute amount of the
// user's completed transactions.
func (s *SQLStore) AverageTransactionAmount(ctx context.Context, userID string) (float64, error) {
	query := `
		SELECT COALESCE(AVG(ABS(amount)), 0)
		FROM transactions
		WHERE user_id = ? AND status = ?
	`

	var avg float64
	err := s.db.QueryRowContext(ctx, s.rebind(query), userID, string(domain.StatusCompleted)).Scan(&avg)
	return avg, err
}

// GetBalance returns the wallet balance for a currency, 0 when no
// wallet row exists yet.
func (s *SQLStore) GetBalance(ctx context.Context, userID, currency string) (float64, error) {
	query := `SELECT balance FROM wallets WHERE user_id = ? AND currency = ?`

	var balance float64
	err := s.db.QueryRowContext(ctx, s.rebind(query), userID, currency).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

const upsertCredit = `
	INSERT INTO wallets (user_id, currency, balance, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (user_id, currency) DO UPDATE SET
		balance = wallets.balance + excluded.balance,
		updated_at = excluded.updated_at
`

const conditionalDebit = `
	UPDATE wallets
	SET balance = balance - ?, updated_at = ?
	WHERE user_id = ? AND currency = ? AND balance >= ?
`

// CreditBalance adds funds to a wallet, creating it on first credit.
func (s *SQLStore) CreditBalance(ctx context.Context, userID, currency string, amount float64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(upsertCredit),
		userID, currency, amount, now, now)
	return err
}

// DebitBalance removes funds from a wallet. The balance predicate in
// the UPDATE makes check-then-mutate a single atomic step: two
// concurrent debits can never both pass the guard and both apply.
func (s *SQLStore) DebitBalance(ctx context.Context, userID, currency string, amount float64) error {
	result, err := s.db.ExecContext(ctx, s.rebind(conditionalDebit),
		amount, time.Now().UTC(), userID, currency, amount)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// TransferBalances moves funds between two wallets in one store
// transaction: conditional debit then credit, or neither.
func (s *SQLStore) TransferBalances(ctx context.Context, fromUserID, toUserID, currency string, amount float64) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	now := time.Now().UTC()

	result, err := dbTx.ExecContext(ctx, s.rebind(conditionalDebit),
		amount, now, fromUserID, currency, amount)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInsufficientFunds
	}

	if _, err := dbTx.ExecContext(ctx, s.rebind(upsertCredit),
		toUserID, currency, amount, now, now); err != nil {
		return err
	}

	return dbTx.Commit()
}

// SaveAlert stores a compliance alert keyed by user.
func (s *SQLStore) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (id, user_id, pattern_type, severity, description, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		alert.ID, alert.UserID, string(alert.Pattern.Type),
		string(alert.Pattern.Severity), alert.Pattern.Description,
		alert.Details, alert.Timestamp,
	)
	return err
}

// ListAlerts retrieves a user's alerts, newest first.
func (s *SQLStore) ListAlerts(ctx context.Context, userID string) ([]*domain.Alert, error) {
	query := `
		SELECT id, user_id, pattern_type, severity, description, details, created_at
		FROM alerts
		WHERE user_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var patternType, severity string

		if err := rows.Scan(
			&a.ID, &a.UserID, &patternType, &severity,
			&a.Pattern.Description, &a.Details, &a.Timestamp,
		); err != nil {
			return nil, err
		}

		a.Pattern.Type = domain.PatternType(patternType)
		a.Pattern.Severity = domain.RiskLevel(severity)
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// DeleteAlerts clears all alerts for a user and returns the count.
func (s *SQLStore) DeleteAlerts(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM alerts WHERE user_id = ?`), userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status, metadata string

	err := row.Scan(
		&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.Currency,
		&status, &tx.Reference, &tx.Description, &metadata,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// isUniqueViolation detects duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
