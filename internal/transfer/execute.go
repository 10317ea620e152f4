package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/eventstore"
	"github.com/nathanyu/p2p-wallet/internal/idempotency"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// execute runs the compare-and-retry protocol for one transfer
func (s *Service) execute(ctx context.Context, txnID string, cmd domain.TransferCommand, ticket idempotency.Ticket) outcome {
	unlock, err := s.locks.lockAll(ctx, cmd.SenderID, cmd.RecipientID)
	if err != nil {
		return outcome{err: err}
	}
	defer unlock()

	if out, ok := s.fence(ctx, ticket); !ok {
		return out
	}

	// A previous owner of the key may have debited already; holding the
	// locks means it is no longer running
	if ticket.TookOver {
		if out, ok := s.adopt(ctx, ticket.Key); ok {
			return out
		}
	}

	sender, err := s.store.Get(ctx, cmd.SenderID)
	if err != nil {
		return outcome{err: storageErr(err)}
	}
	if _, err := s.store.Get(ctx, cmd.RecipientID); err != nil {
		return outcome{err: storageErr(err)}
	}
	if cmd.Amount > sender.Balance {
		return outcome{err: domain.ErrInsufficientBalance}
	}

	s.markInflight(txnID)
	defer s.clearInflight(txnID)

	senderAfter, err := s.debit(ctx, cmd.SenderID, cmd.Amount)
	if err != nil {
		return outcome{err: err}
	}

	// The sender has paid; finish regardless of the caller
	ctx = context.WithoutCancel(ctx)

	marker := domain.DebitCommitted{
		TransactionID:  txnID,
		IdempotencyKey: cmd.IdempotencyKey,
		SenderID:       cmd.SenderID,
		RecipientID:    cmd.RecipientID,
		Amount:         cmd.Amount,
		SenderBalance:  senderAfter.Balance,
	}
	if err := s.journal.Append(marker); err != nil {
		slog.ErrorContext(ctx, "failed to journal debit, refunding sender", "transfer_id", txnID, "error", err)
		return s.compensate(ctx, marker, fmt.Errorf("journal debit: %w: %v", domain.ErrStorageUnavailable, err), false)
	}
	telemetry.PendingCredits.Inc()

	recipientAfter, err := s.credit(ctx, cmd.RecipientID, cmd.Amount)
	if err != nil {
		slog.ErrorContext(ctx, "credit failed, refunding sender", "transfer_id", txnID, "error", err)
		return s.compensate(ctx, marker, err, true)
	}

	s.journalClose(ctx, domain.CreditApplied{
		TransactionID:    txnID,
		RecipientID:      cmd.RecipientID,
		RecipientBalance: recipientAfter.Balance,
	})

	return outcome{
		result:  s.successResult(txnID, cmd, senderAfter.Balance, recipientAfter.Balance),
		mutated: true,
	}
}

// compensate refunds the sender of a debit whose credit could not be applied.
// When the refund fails too the marker stays open and recovery credits the
// recipient later.
func (s *Service) compensate(ctx context.Context, marker domain.DebitCommitted, cause error, journaled bool) outcome {
	refunded, err := s.retryConflicts(ctx, "compensate", func() (domain.Account, error) {
		acc, err := s.store.Get(ctx, marker.SenderID)
		if err != nil {
			return domain.Account{}, err
		}
		return s.store.ApplyDelta(ctx, marker.SenderID, marker.Amount, acc.Balance)
	})
	if err != nil {
		slog.ErrorContext(ctx, "refund failed",
			"transfer_id", marker.TransactionID,
			"sender_id", marker.SenderID,
			"amount", marker.Amount,
			"error", err,
		)
		if !journaled {
			// Nothing on disk points at this debit; try once more to leave a trail
			if jerr := s.journal.Append(marker); jerr == nil {
				telemetry.PendingCredits.Inc()
			}
		}
		return outcome{mutated: true, err: storageErr(cause)}
	}

	if journaled {
		s.journalClose(ctx, domain.DebitCompensated{
			TransactionID: marker.TransactionID,
			SenderID:      marker.SenderID,
			SenderBalance: refunded.Balance,
		})
	}
	return outcome{mutated: false, err: storageErr(cause)}
}

// journalClose appends the entry that closes a DebitCommitted marker. An open
// marker would make recovery credit the recipient a second time, so the
// append is retried before giving up.
func (s *Service) journalClose(ctx context.Context, event domain.Event) {
	b := backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxRetries))
	err := backoff.Retry(func() error {
		return s.journal.Append(event)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		slog.ErrorContext(ctx, "failed to journal transfer completion",
			"transfer_id", event.GetTransactionID(),
			"type", event.GetType(),
			"error", err,
		)
		// Keep the close in memory so recovery neither repeats the credit
		// nor the refund, and retries the append
		s.holdUnjournaled(event)
		return
	}
	telemetry.PendingCredits.Dec()
}

func (s *Service) debit(ctx context.Context, accountID string, amount int64) (domain.Account, error) {
	return s.retryConflicts(ctx, "debit", func() (domain.Account, error) {
		acc, err := s.store.Get(ctx, accountID)
		if err != nil {
			return domain.Account{}, err
		}
		if acc.Balance < amount {
			return domain.Account{}, domain.ErrInsufficientBalance
		}
		if err := ctx.Err(); err != nil {
			return domain.Account{}, err
		}
		// Once issued the debit must not be abandoned halfway
		return s.store.ApplyDelta(context.WithoutCancel(ctx), accountID, -amount, acc.Balance)
	})
}

func (s *Service) credit(ctx context.Context, accountID string, amount int64) (domain.Account, error) {
	return s.retryConflicts(ctx, "credit", func() (domain.Account, error) {
		acc, err := s.store.Get(ctx, accountID)
		if err != nil {
			return domain.Account{}, err
		}
		return s.store.ApplyDelta(ctx, accountID, amount, acc.Balance)
	})
}

// executeNative runs the transfer as one store transaction
func (s *Service) executeNative(ctx context.Context, txnID string, cmd domain.TransferCommand, ticket idempotency.Ticket) outcome {
	unlock, err := s.locks.lockAll(ctx, cmd.SenderID, cmd.RecipientID)
	if err != nil {
		return outcome{err: err}
	}
	defer unlock()

	if out, ok := s.fence(ctx, ticket); !ok {
		return out
	}
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}

	// A commit racing a cancellation would leave the outcome unknown
	nctx := context.WithoutCancel(ctx)

	var recipient domain.Account
	sender, err := s.retryConflicts(nctx, "native", func() (domain.Account, error) {
		snd, rcp, err := s.native.Transfer(nctx, cmd.SenderID, cmd.RecipientID, cmd.Amount)
		recipient = rcp
		return snd, err
	})
	if err != nil {
		return outcome{err: err}
	}

	return outcome{
		result:  s.successResult(txnID, cmd, sender.Balance, recipient.Balance),
		mutated: true,
	}
}

// fence confirms, under the account locks, that ticket still owns its key.
// A caller that lost the key must not move any money.
func (s *Service) fence(ctx context.Context, ticket idempotency.Ticket) (outcome, bool) {
	err := s.guard.Renew(ctx, ticket)
	switch {
	case err == nil:
		return outcome{}, true
	case errors.Is(err, idempotency.ErrNotOwner):
		return outcome{err: errKeyLost}, false
	default:
		return outcome{err: storageErr(err)}, false
	}
}

// adopt finishes the journaled transfer a previous owner of key left behind.
// It reports false when there is none, so the caller executes its own.
func (s *Service) adopt(ctx context.Context, key string) (outcome, bool) {
	rec, ok, err := s.findRecord(func(r eventstore.TransferRecord) bool {
		return r.Debit.IdempotencyKey == key && r.Compensation == nil
	})
	if err != nil {
		return outcome{err: storageErr(err)}, true
	}
	if !ok {
		return outcome{}, false
	}

	if rec.Open() {
		current, _, err := s.finishCreditLocked(context.WithoutCancel(ctx), rec.Debit)
		if err != nil {
			return outcome{mutated: true, err: storageErr(err)}, true
		}
		if current.Credit == nil {
			return outcome{}, false
		}
		rec = current
	}

	slog.InfoContext(ctx, "adopted transfer of previous key owner", "idempotency_key", key, "transfer_id", rec.Debit.TransactionID)
	return outcome{result: s.recordResult(rec), mutated: true}, true
}

// retryConflicts runs op until it stops failing with ErrConflict or the retry
// budget runs out. Other errors end the loop at once.
func (s *Service) retryConflicts(ctx context.Context, step string, op func() (domain.Account, error)) (domain.Account, error) {
	var acc domain.Account
	attempt := 0

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxRetries)), ctx)
	err := backoff.Retry(func() error {
		attempt++
		var err error
		acc, err = op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrConflict):
			telemetry.ConflictRetriesTotal.WithLabelValues(step).Inc()
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)

	if err == nil {
		return acc, nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return domain.Account{}, fmt.Errorf("%s: gave up after %d attempts: %w", step, attempt, domain.ErrStorageUnavailable)
	}
	return domain.Account{}, storageErr(err)
}

func (s *Service) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseDelay
	b.MaxInterval = s.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
