package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

type entryState int

const (
	stateInProgress entryState = iota
	stateCompleted
)

type entry struct {
	state       entryState
	token       string
	fingerprint string
	leaseUntil  time.Time
	result      domain.TransferResult
	completedAt time.Time
	// closed when the in-progress owner completes or releases
	done chan struct{}
}

// MemoryGuard keeps idempotency state in process memory
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

// NewMemoryGuard creates a guard with the given lease and retention
func NewMemoryGuard(opts Options) *MemoryGuard {
	return &MemoryGuard{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

func (g *MemoryGuard) Begin(ctx context.Context, key, fingerprint string) (Ticket, error) {
	for {
		g.mu.Lock()
		now := g.now()
		e, ok := g.entries[key]

		if ok && e.state == stateCompleted && now.Sub(e.completedAt) >= g.opts.Retention {
			delete(g.entries, key)
			telemetry.IdempotencyEvictionsTotal.Inc()
			ok = false
		}

		if !ok {
			ticket := g.claimLocked(key, fingerprint, now, false)
			g.mu.Unlock()
			return ticket, nil
		}

		if e.fingerprint != fingerprint {
			g.mu.Unlock()
			return Ticket{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyKeyReused)
		}

		if e.state == stateCompleted {
			result := e.result
			g.mu.Unlock()
			return Ticket{Key: key, Fingerprint: fingerprint, Result: &result}, nil
		}

		if !now.Before(e.leaseUntil) {
			// The owner went silent; take the key over
			close(e.done)
			ticket := g.claimLocked(key, fingerprint, now, true)
			g.mu.Unlock()
			telemetry.IdempotencyLeaseTakeoversTotal.Inc()
			slog.WarnContext(ctx, "idempotency lease expired, taking over", "idempotency_key", key)
			return ticket, nil
		}

		done := e.done
		wait := e.leaseUntil.Sub(now)
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ticket{}, ctx.Err()
		case <-done:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (g *MemoryGuard) claimLocked(key, fingerprint string, now time.Time, tookOver bool) Ticket {
	token := uuid.NewString()
	g.entries[key] = &entry{
		state:       stateInProgress,
		token:       token,
		fingerprint: fingerprint,
		leaseUntil:  now.Add(g.opts.Lease),
		done:        make(chan struct{}),
	}
	return Ticket{Key: key, Token: token, Fingerprint: fingerprint, TookOver: tookOver, Lease: g.opts.Lease}
}

func (g *MemoryGuard) Renew(ctx context.Context, ticket Ticket) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ticket.Key]
	if !ok || e.state != stateInProgress || e.token != ticket.Token {
		return fmt.Errorf("renew %q: %w", ticket.Key, ErrNotOwner)
	}
	e.leaseUntil = g.now().Add(g.opts.Lease)
	return nil
}

func (g *MemoryGuard) Complete(ctx context.Context, ticket Ticket, result domain.TransferResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ticket.Key]
	if !ok || e.state != stateInProgress || e.token != ticket.Token {
		return fmt.Errorf("complete %q: %w", ticket.Key, ErrNotOwner)
	}

	e.state = stateCompleted
	e.result = result
	e.completedAt = g.now()
	close(e.done)
	return nil
}

func (g *MemoryGuard) Release(ctx context.Context, ticket Ticket) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[ticket.Key]
	if !ok || e.state != stateInProgress || e.token != ticket.Token {
		return fmt.Errorf("release %q: %w", ticket.Key, ErrNotOwner)
	}

	delete(g.entries, ticket.Key)
	close(e.done)
	return nil
}

func (g *MemoryGuard) Resolve(ctx context.Context, key string, result domain.TransferResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok && e.state == stateInProgress {
		close(e.done)
	}
	g.entries[key] = &entry{
		state:       stateCompleted,
		fingerprint: fingerprintOf(result),
		result:      result,
		completedAt: g.now(),
		done:        make(chan struct{}),
	}
	return nil
}

// Sweep evicts completed entries older than the retention window
func (g *MemoryGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	evicted := 0
	for key, e := range g.entries {
		if e.state == stateCompleted && now.Sub(e.completedAt) >= g.opts.Retention {
			delete(g.entries, key)
			evicted++
		}
	}
	telemetry.IdempotencyEvictionsTotal.Add(float64(evicted))
	return evicted
}

// Start runs Sweep every interval until ctx is done
func (g *MemoryGuard) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				slog.DebugContext(ctx, "evicted idempotency keys", "count", n)
			}
		}
	}
}

// Len returns the number of tracked keys
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
