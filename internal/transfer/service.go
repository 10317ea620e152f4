// Package transfer moves balances between two accounts as one unit of work.
//
// Stores that implement store.Transferer run the whole transfer in one native
// transaction. Every other store goes through the compare-and-retry protocol:
// debit the sender, journal a DebitCommitted marker, credit the recipient,
// journal CreditApplied. A marker left open by a crash is finished by Recover.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/eventstore"
	"github.com/nathanyu/p2p-wallet/internal/idempotency"
	"github.com/nathanyu/p2p-wallet/internal/store"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 10 * time.Millisecond
	DefaultMaxDelay   = 500 * time.Millisecond
)

// Journal is the durable log of in-flight transfers
type Journal interface {
	Append(event domain.Event) error
	Records() ([]eventstore.TransferRecord, error)
}

// Publisher delivers wallet events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Options tunes retries of conflicting conditional updates
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Service executes transfers
type Service struct {
	store     store.AccountStore
	native    store.Transferer
	guard     idempotency.Guard
	journal   Journal
	publisher Publisher
	opts      Options
	locks     *lockTable
	now       func() time.Time

	mu sync.Mutex
	// transactions between their debit and their final journal entry
	inflight map[string]struct{}
	// closes that could not be journaled, keyed by transaction id
	unjournaled map[string]domain.Event
}

// errKeyLost aborts an attempt whose idempotency key was taken over before
// any money moved.
var errKeyLost = errors.New("transfer: idempotency key taken over")

// NewService wires a transfer service. journal may be nil only when the store
// implements store.Transferer; publisher may be nil.
func NewService(accounts store.AccountStore, guard idempotency.Guard, journal Journal, publisher Publisher, opts Options) (*Service, error) {
	native, _ := accounts.(store.Transferer)
	if native == nil && journal == nil {
		return nil, errors.New("transfer: a journal is required for stores without native transfers")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}

	return &Service{
		store:     accounts,
		native:    native,
		guard:     guard,
		journal:   journal,
		publisher: publisher,
		opts:      opts,
		locks:     newLockTable(),
		now:       func() time.Time { return time.Now().UTC() },
		inflight:    make(map[string]struct{}),
		unjournaled: make(map[string]domain.Event),
	}, nil
}

// Transfer moves cmd.Amount from the sender to the recipient.
//
// A key that already completed returns the recorded result (and the
// recorded error for failed transfers) without touching any balance.
func (s *Service) Transfer(ctx context.Context, cmd domain.TransferCommand) (domain.TransferResult, error) {
	start := time.Now()
	cmd = cmd.Normalize()

	ctx = telemetry.WithLogAttrs(ctx, "idempotency_key", cmd.IdempotencyKey)
	ctx, span := telemetry.StartSpan(ctx, "transfer.Transfer")
	span.SetAttributes(
		attribute.String("idempotency_key", cmd.IdempotencyKey),
		attribute.String("sender_id", cmd.SenderID),
		attribute.String("recipient_id", cmd.RecipientID),
		attribute.Int64("amount", cmd.Amount),
	)

	result, err := s.transfer(ctx, cmd)

	telemetry.EndSpan(span, err)
	telemetry.TransferProcessingDuration.Observe(time.Since(start).Seconds())
	status := string(domain.StatusSuccess)
	if err != nil {
		status = string(domain.KindOf(err))
	}
	telemetry.TransfersTotal.WithLabelValues(status).Inc()
	telemetry.TransferAmount.WithLabelValues(status).Observe(float64(cmd.Amount))

	return result, err
}

func (s *Service) transfer(ctx context.Context, cmd domain.TransferCommand) (domain.TransferResult, error) {
	if err := cmd.Validate(); err != nil {
		return domain.TransferResult{}, err
	}

	for attempt := 0; ; attempt++ {
		ticket, err := s.guard.Begin(ctx, cmd.IdempotencyKey, cmd.Fingerprint())
		if err != nil {
			return domain.TransferResult{}, err
		}

		if !ticket.Owned() {
			telemetry.DuplicateTransactionsTotal.Inc()
			slog.InfoContext(ctx, "duplicate transfer, returning recorded result",
				"idempotency_key", cmd.IdempotencyKey,
				"transfer_id", ticket.Result.TransferID,
			)
			return *ticket.Result, ticket.Result.Err()
		}

		result, err := s.run(ctx, cmd, ticket)
		if !errors.Is(err, errKeyLost) {
			return result, err
		}

		// Another caller holds the key now; wait for its result
		slog.WarnContext(ctx, "idempotency key taken over before the debit", "idempotency_key", ticket.Key, "attempt", attempt+1)
		if attempt >= s.opts.MaxRetries {
			return domain.TransferResult{}, fmt.Errorf("key %q kept changing owner: %w", ticket.Key, domain.ErrStorageUnavailable)
		}
	}
}

// run executes cmd for the owner of ticket and settles the key
func (s *Service) run(ctx context.Context, cmd domain.TransferCommand, ticket idempotency.Ticket) (domain.TransferResult, error) {
	if ticket.TookOver {
		if result, ok := s.resumeKey(ctx, ticket.Key); ok {
			s.complete(ctx, ticket, result)
			return result, nil
		}
	}

	stop := s.keepAlive(ctx, ticket)
	txnID := uuid.NewString()
	var out outcome
	if s.native != nil {
		out = s.executeNative(ctx, txnID, cmd, ticket)
	} else {
		out = s.execute(ctx, txnID, cmd, ticket)
	}
	stop()

	switch {
	case errors.Is(out.err, errKeyLost):
		return domain.TransferResult{}, out.err

	case out.err == nil:
		s.complete(ctx, ticket, out.result)
		s.publish(ctx,
			domain.MoneyDeducted{TransactionID: out.result.TransferID, Account: cmd.SenderID, Amount: cmd.Amount},
			domain.MoneyCredited{TransactionID: out.result.TransferID, Account: cmd.RecipientID, Amount: cmd.Amount},
		)
		slog.InfoContext(ctx, "transfer completed",
			"transfer_id", out.result.TransferID,
			"sender_id", cmd.SenderID,
			"recipient_id", cmd.RecipientID,
			"amount", cmd.Amount,
		)
		return out.result, nil

	case domain.IsBusinessFailure(out.err):
		result := s.failedResult(txnID, cmd, out.err)
		s.complete(ctx, ticket, result)
		s.publish(ctx, domain.TransactionFailed{
			TransactionID: txnID,
			FromAccount:   cmd.SenderID,
			Reason:        result.ErrorCode,
		})
		slog.InfoContext(ctx, "transfer rejected", "transfer_id", txnID, "reason", result.ErrorCode)
		return result, out.err

	case !out.mutated:
		if err := s.guard.Release(context.WithoutCancel(ctx), ticket); err != nil {
			slog.WarnContext(ctx, "failed to release idempotency key", "idempotency_key", ticket.Key, "error", err)
		}
		slog.WarnContext(ctx, "transfer aborted before any change", "transfer_id", txnID, "error", out.err)
		return domain.TransferResult{}, out.err

	default:
		// Debit is durable and the credit is still owed; recovery owns it now
		slog.ErrorContext(ctx, "transfer left pending for recovery", "transfer_id", txnID, "error", out.err)
		return domain.TransferResult{}, out.err
	}
}

// keepAlive renews the lease of ticket until the returned stop is called, so
// a slow owner is not mistaken for a dead one.
func (s *Service) keepAlive(ctx context.Context, ticket idempotency.Ticket) (stop func()) {
	interval := ticket.Lease / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.guard.Renew(ctx, ticket)
				if err == nil || ctx.Err() != nil {
					continue
				}
				slog.WarnContext(ctx, "failed to renew idempotency lease", "idempotency_key", ticket.Key, "error", err)
				if errors.Is(err, idempotency.ErrNotOwner) {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// GetBalance reads an account
func (s *Service) GetBalance(ctx context.Context, accountID string) (domain.Account, error) {
	ctx, span := telemetry.StartSpan(ctx, "transfer.GetBalance")
	span.SetAttributes(attribute.String("account_id", accountID))

	acc, err := s.store.Get(ctx, domain.NormalizeAccountID(accountID))
	telemetry.EndSpan(span, err)
	if err != nil {
		return domain.Account{}, storageErr(err)
	}
	return acc, nil
}

// Payee is a directory entry
type Payee struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Payees lists every account except the caller's, without balances
func (s *Service) Payees(ctx context.Context, callerID string) ([]Payee, error) {
	ctx, span := telemetry.StartSpan(ctx, "transfer.Payees")

	accounts, err := s.store.List(ctx)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, storageErr(err)
	}

	caller := domain.NormalizeAccountID(callerID)
	payees := make([]Payee, 0, len(accounts))
	for _, acc := range accounts {
		if acc.ID == caller {
			continue
		}
		payees = append(payees, Payee{ID: acc.ID, DisplayName: acc.DisplayName})
	}
	return payees, nil
}

// outcome of one execution attempt. mutated is true when balances may differ
// from their state before the attempt.
type outcome struct {
	result  domain.TransferResult
	mutated bool
	err     error
}

func (s *Service) successResult(txnID string, cmd domain.TransferCommand, senderBalance, recipientBalance int64) domain.TransferResult {
	return domain.TransferResult{
		TransferID:       txnID,
		IdempotencyKey:   cmd.IdempotencyKey,
		Status:           domain.StatusSuccess,
		SenderID:         cmd.SenderID,
		RecipientID:      cmd.RecipientID,
		Amount:           cmd.Amount,
		SenderBalance:    senderBalance,
		RecipientBalance: recipientBalance,
		CompletedAt:      s.now(),
	}
}

func (s *Service) failedResult(txnID string, cmd domain.TransferCommand, err error) domain.TransferResult {
	return domain.TransferResult{
		TransferID:     txnID,
		IdempotencyKey: cmd.IdempotencyKey,
		Status:         domain.StatusFailed,
		SenderID:       cmd.SenderID,
		RecipientID:    cmd.RecipientID,
		Amount:         cmd.Amount,
		ErrorCode:      domain.KindOf(err),
		Message:        err.Error(),
		CompletedAt:    s.now(),
	}
}

func (s *Service) complete(ctx context.Context, ticket idempotency.Ticket, result domain.TransferResult) {
	if err := s.guard.Complete(context.WithoutCancel(ctx), ticket, result); err != nil {
		slog.WarnContext(ctx, "failed to record transfer result", "idempotency_key", ticket.Key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, events ...domain.Event) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			slog.WarnContext(ctx, "failed to publish wallet event", "type", event.GetType(), "error", err)
		}
	}
}

func (s *Service) markInflight(txnID string) {
	s.mu.Lock()
	s.inflight[txnID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) clearInflight(txnID string) {
	s.mu.Lock()
	delete(s.inflight, txnID)
	s.mu.Unlock()
}

func (s *Service) isInflight(txnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[txnID]
	return ok
}

// storageErr keeps business errors and cancellations, and folds anything
// else into ErrStorageUnavailable.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsBusinessFailure(err),
		errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
}
