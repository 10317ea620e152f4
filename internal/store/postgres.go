package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/p2p-wallet/internal/domain"
)

var dbTracer = otel.Tracer("postgres")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	balance      BIGINT NOT NULL CHECK (balance >= 0),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres error codes the store reacts to
const (
	pqCheckViolation       = "23514"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore persists accounts in PostgreSQL through lib/pq
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects and waits for the database to answer pings
func OpenPostgres(ctx context.Context, dsn string, maxRetries int, wait time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < maxRetries; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		slog.Warn("waiting for database", "attempt", i+1, "max_attempts", maxRetries, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database not available after %d attempts: %w", maxRetries, err)
}

// EnsureSchema creates the accounts table when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Account, error) {
	ctx, span := startSpan(ctx, "postgres.get_account", "SELECT", attribute.String("account_id", id))
	defer span.End()

	acc, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, balance, created_at
		FROM accounts
		WHERE id = $1
	`, id))
	if err != nil {
		return domain.Account{}, finish(span, fmt.Errorf("get %q: %w", id, classify(err)))
	}
	return acc, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, id, displayName string, initialBalance int64) (CreateResult, error) {
	ctx, span := startSpan(ctx, "postgres.create_if_absent", "INSERT", attribute.String("account_id", id))
	defer span.End()

	if initialBalance < 0 {
		return CreateResult{}, finish(span, domain.ErrInvalidAmount)
	}

	acc, err := scanAccount(s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, display_name, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, display_name, balance, created_at
	`, id, displayName, initialBalance))
	if err == nil {
		span.SetAttributes(attribute.Bool("account.created", true))
		return CreateResult{Created: true, Account: acc}, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return CreateResult{}, finish(span, fmt.Errorf("create %q: %w", id, classify(err)))
	}

	// ON CONFLICT returned no row: the account already exists
	existing, err := s.Get(ctx, id)
	if err != nil {
		return CreateResult{}, finish(span, err)
	}
	span.SetAttributes(attribute.Bool("account.created", false))
	return CreateResult{Created: false, Account: existing}, nil
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, id string, delta, expectedBalance int64) (domain.Account, error) {
	ctx, span := startSpan(ctx, "postgres.apply_delta", "UPDATE",
		attribute.String("account_id", id),
		attribute.Int64("delta", delta),
	)
	defer span.End()

	acc, err := scanAccount(s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $2
		WHERE id = $1 AND balance = $3
		RETURNING id, display_name, balance, created_at
	`, id, delta, expectedBalance))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{}, finish(span, fmt.Errorf("apply delta %q: %w", id, classify(err)))
	}

	// No row matched: either the account is gone or the balance moved
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return domain.Account{}, finish(span, getErr)
	}
	return domain.Account{}, finish(span, fmt.Errorf("apply delta %q: %w", id, domain.ErrConflict))
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.Account, error) {
	ctx, span := startSpan(ctx, "postgres.list_accounts", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, balance, created_at
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, finish(span, classify(err))
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, finish(span, classify(err))
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, finish(span, classify(err))
	}

	span.SetAttributes(attribute.Int("result.count", len(accounts)))
	return accounts, nil
}

// Transfer debits the sender and credits the recipient in one transaction.
// Both rows are locked in id order so opposite-direction transfers cannot
// deadlock each other.
func (s *PostgresStore) Transfer(ctx context.Context, senderID, recipientID string, amount int64) (domain.Account, domain.Account, error) {
	ctx, span := startSpan(ctx, "postgres.transfer", "transaction",
		attribute.String("sender_id", senderID),
		attribute.String("recipient_id", recipientID),
		attribute.Int64("amount", amount),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, display_name, balance, created_at
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, pq.Array([]string{senderID, recipientID}))
	if err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}

	locked := make(map[string]domain.Account, 2)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return domain.Account{}, domain.Account{}, finish(span, classify(err))
		}
		locked[acc.ID] = acc
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}

	sender, ok := locked[senderID]
	if !ok {
		return domain.Account{}, domain.Account{}, finish(span, fmt.Errorf("sender %q: %w", senderID, domain.ErrAccountNotFound))
	}
	if _, ok := locked[recipientID]; !ok {
		return domain.Account{}, domain.Account{}, finish(span, fmt.Errorf("recipient %q: %w", recipientID, domain.ErrAccountNotFound))
	}
	if sender.Balance < amount {
		return domain.Account{}, domain.Account{}, finish(span, domain.ErrInsufficientBalance)
	}

	updatedSender, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - $2 WHERE id = $1
		RETURNING id, display_name, balance, created_at
	`, senderID, amount))
	if err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}

	updatedRecipient, err := scanAccount(tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + $2 WHERE id = $1
		RETURNING id, display_name, balance, created_at
	`, recipientID, amount))
	if err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}

	if err := tx.Commit(); err != nil {
		return domain.Account{}, domain.Account{}, finish(span, classify(err))
	}

	span.SetStatus(codes.Ok, "")
	return updatedSender, updatedRecipient, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.ID, &acc.DisplayName, &acc.Balance, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

// classify maps driver errors onto the wallet's error kinds
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrAccountNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqCheckViolation:
			return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, pqErr.Message)
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func startSpan(ctx context.Context, name, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", "accounts"),
	}, attrs...)
	return dbTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) && !errors.Is(err, domain.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
