// Package idempotency deduplicates retried transfer requests. Each key moves
// through Absent -> InProgress(owner, lease) -> Completed(result); a released
// key goes back to Absent.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/nathanyu/p2p-wallet/internal/domain"
)

const (
	DefaultLease     = 30 * time.Second
	DefaultRetention = 24 * time.Hour
)

// ErrNotOwner is returned when a ticket no longer owns its key, typically
// because its lease expired and another caller took the key over.
var ErrNotOwner = errors.New("idempotency: ticket does not own the key")

// Ticket is handed out by Begin.
//
// When Result is non-nil the key was already completed and the caller must
// return Result without executing anything. Otherwise the caller owns the key
// and must finish with Complete or Release.
type Ticket struct {
	Key         string
	Token       string
	Fingerprint string
	TookOver    bool
	// Lease is how long the key stays claimed without a Renew
	Lease  time.Duration
	Result *domain.TransferResult
}

// Owned reports whether the caller must execute the request
func (t Ticket) Owned() bool {
	return t.Result == nil
}

// Guard is implemented by MemoryGuard and RedisGuard
type Guard interface {
	// Begin claims key, returns its recorded result, or waits while another
	// caller holds a live lease. A different fingerprint under the same key
	// fails with domain.ErrIdempotencyKeyReused.
	Begin(ctx context.Context, key, fingerprint string) (Ticket, error)

	// Renew extends the lease of an owned ticket, or fails with ErrNotOwner
	// once the key was taken over or finished.
	Renew(ctx context.Context, ticket Ticket) error

	// Complete records the final result for an owned ticket.
	Complete(ctx context.Context, ticket Ticket, result domain.TransferResult) error

	// Release returns the key to Absent. Only valid when nothing was mutated.
	Release(ctx context.Context, ticket Ticket) error

	// Resolve records a result without a ticket; used by recovery.
	Resolve(ctx context.Context, key string, result domain.TransferResult) error
}

// Options tunes lease and retention durations
type Options struct {
	Lease     time.Duration
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

func fingerprintOf(result domain.TransferResult) string {
	return domain.TransferCommand{
		SenderID:    result.SenderID,
		RecipientID: result.RecipientID,
		Amount:      result.Amount,
	}.Fingerprint()
}
