package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/eventstore"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// compacter is implemented by journals that can drop closed transfers
type compacter interface {
	Compact() error
}

// RecoveryReport counts what a recovery pass did
type RecoveryReport struct {
	Credited int
	Resolved int
	Failed   int
}

// Recover finishes every journaled transfer whose credit is still owed, then
// records the outcome of each finished transfer with the idempotency guard so
// a retried request replays it instead of moving money again.
//
// Each open record is read again under the account locks before its credit
// is applied, so a transfer that closed after the journal was read is left
// alone.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if s.journal == nil {
		return report, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "transfer.Recover")

	s.flushUnjournaled(ctx)

	records, err := s.journal.Records()
	if err != nil {
		telemetry.EndSpan(span, err)
		return report, fmt.Errorf("load journal: %w", err)
	}

	open := 0
	for _, rec := range records {
		rec = s.overlay(rec)

		if rec.Open() {
			if s.isInflight(rec.Debit.TransactionID) {
				open++
				continue
			}

			current, applied, err := s.finishCredit(ctx, rec.Debit)
			if err != nil {
				open++
				report.Failed++
				telemetry.RecoveredTransfersTotal.WithLabelValues("failed").Inc()
				slog.ErrorContext(ctx, "recovery could not credit recipient",
					"transfer_id", rec.Debit.TransactionID,
					"recipient_id", rec.Debit.RecipientID,
					"error", err,
				)
				continue
			}
			if applied {
				report.Credited++
				telemetry.RecoveredTransfersTotal.WithLabelValues("credited").Inc()
			}
			rec = current
		}

		if rec.Credit != nil {
			s.resolve(ctx, s.recordResult(rec))
			report.Resolved++
		}
	}
	telemetry.PendingCredits.Set(float64(open))

	if c, ok := s.journal.(compacter); ok {
		if err := c.Compact(); err != nil {
			slog.WarnContext(ctx, "failed to compact journal", "error", err)
		}
	}

	telemetry.EndSpan(span, nil)
	if report.Credited > 0 || report.Failed > 0 {
		slog.InfoContext(ctx, "recovery pass finished",
			"credited", report.Credited,
			"resolved", report.Resolved,
			"failed", report.Failed,
		)
	}
	return report, nil
}

// StartRecovery runs Recover every interval until ctx is done
func (s *Service) StartRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Recover(ctx); err != nil {
				slog.ErrorContext(ctx, "recovery pass failed", "error", err)
			}
		}
	}
}

// resumeKey returns the result of a transfer a previous owner of key already
// finished. Open records are left to execute, which adopts them under the
// account locks.
func (s *Service) resumeKey(ctx context.Context, key string) (domain.TransferResult, bool) {
	rec, ok, err := s.findRecord(func(r eventstore.TransferRecord) bool {
		return r.Debit.IdempotencyKey == key && r.Compensation == nil
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to read journal on takeover", "idempotency_key", key, "error", err)
		return domain.TransferResult{}, false
	}
	if !ok || rec.Credit == nil {
		return domain.TransferResult{}, false
	}
	return s.recordResult(rec), true
}

// finishCredit takes the account locks and applies the owed credit of marker
func (s *Service) finishCredit(ctx context.Context, marker domain.DebitCommitted) (eventstore.TransferRecord, bool, error) {
	unlock, err := s.locks.lockAll(ctx, marker.SenderID, marker.RecipientID)
	if err != nil {
		return eventstore.TransferRecord{}, false, err
	}
	defer unlock()

	return s.finishCreditLocked(ctx, marker)
}

// finishCreditLocked applies the owed credit of marker unless the transfer
// was closed since marker was read. It returns the record as it stands
// afterwards and whether this call applied the credit. Callers hold the
// locks of both accounts.
func (s *Service) finishCreditLocked(ctx context.Context, marker domain.DebitCommitted) (eventstore.TransferRecord, bool, error) {
	rec, ok, err := s.findRecord(func(r eventstore.TransferRecord) bool {
		return r.Debit.TransactionID == marker.TransactionID
	})
	if err != nil {
		return eventstore.TransferRecord{}, false, err
	}
	if !ok || !rec.Open() {
		// Compaction only drops closed records
		if !ok {
			rec = eventstore.TransferRecord{Debit: marker}
		}
		return rec, false, nil
	}

	s.markInflight(marker.TransactionID)
	defer s.clearInflight(marker.TransactionID)

	recipient, err := s.credit(ctx, marker.RecipientID, marker.Amount)
	if err != nil {
		return rec, false, err
	}

	credit := domain.CreditApplied{
		TransactionID:    marker.TransactionID,
		RecipientID:      marker.RecipientID,
		RecipientBalance: recipient.Balance,
	}
	s.journalClose(ctx, credit)

	rec.Credit = &credit
	return rec, true, nil
}

// findRecord returns the newest journal record matching match, with closes
// that are still waiting to be journaled applied.
func (s *Service) findRecord(match func(eventstore.TransferRecord) bool) (eventstore.TransferRecord, bool, error) {
	if s.journal == nil {
		return eventstore.TransferRecord{}, false, nil
	}

	records, err := s.journal.Records()
	if err != nil {
		return eventstore.TransferRecord{}, false, fmt.Errorf("load journal: %w", err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := s.overlay(records[i])
		if match(rec) {
			return rec, true, nil
		}
	}
	return eventstore.TransferRecord{}, false, nil
}

func (s *Service) holdUnjournaled(event domain.Event) {
	s.mu.Lock()
	s.unjournaled[event.GetTransactionID()] = event
	s.mu.Unlock()
}

// overlay applies a close that failed to reach the journal to rec
func (s *Service) overlay(rec eventstore.TransferRecord) eventstore.TransferRecord {
	if !rec.Open() {
		return rec
	}

	s.mu.Lock()
	event, ok := s.unjournaled[rec.Debit.TransactionID]
	s.mu.Unlock()
	if !ok {
		return rec
	}

	switch e := event.(type) {
	case domain.CreditApplied:
		rec.Credit = &e
	case domain.DebitCompensated:
		rec.Compensation = &e
	}
	return rec
}

// flushUnjournaled retries the appends journalClose gave up on
func (s *Service) flushUnjournaled(ctx context.Context) {
	s.mu.Lock()
	held := make([]domain.Event, 0, len(s.unjournaled))
	for _, event := range s.unjournaled {
		held = append(held, event)
	}
	s.mu.Unlock()

	for _, event := range held {
		if err := s.journal.Append(event); err != nil {
			slog.WarnContext(ctx, "journal still refuses transfer completion", "transfer_id", event.GetTransactionID(), "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.unjournaled, event.GetTransactionID())
		s.mu.Unlock()
	}
}

func (s *Service) recordResult(rec eventstore.TransferRecord) domain.TransferResult {
	cmd := domain.TransferCommand{
		IdempotencyKey: rec.Debit.IdempotencyKey,
		SenderID:       rec.Debit.SenderID,
		RecipientID:    rec.Debit.RecipientID,
		Amount:         rec.Debit.Amount,
	}
	var recipientBalance int64
	if rec.Credit != nil {
		recipientBalance = rec.Credit.RecipientBalance
	}
	return s.successResult(rec.Debit.TransactionID, cmd, rec.Debit.SenderBalance, recipientBalance)
}

func (s *Service) resolve(ctx context.Context, result domain.TransferResult) {
	if err := s.guard.Resolve(context.WithoutCancel(ctx), result.IdempotencyKey, result); err != nil {
		slog.WarnContext(ctx, "failed to record recovered result", "idempotency_key", result.IdempotencyKey, "error", err)
	}
}
