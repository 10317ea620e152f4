package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/p2p-wallet/internal/domain"
)

func newRedisGuard(t *testing.T, opts Options) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g := NewRedisGuard(client, opts)
	g.pollInterval = 5 * time.Millisecond
	return g, mr
}

func TestRedisGuard_CompleteThenReplay(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, Options{Retention: time.Hour})

	ticket, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.True(t, ticket.Owned())

	require.NoError(t, g.Complete(ctx, ticket, successResult("k1")))

	replay, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.False(t, replay.Owned())
	assert.Equal(t, int64(4900), replay.Result.SenderBalance)

	assert.Equal(t, time.Hour, mr.TTL(redisKey("k1")))

	_, err = g.Begin(ctx, "k1", "other")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
}

func TestRedisGuard_RetentionExpiry(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, Options{Retention: time.Hour})

	ticket, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, ticket, successResult("k1")))

	mr.FastForward(61 * time.Minute)

	fresh, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	assert.True(t, fresh.Owned())
}

func TestRedisGuard_Release(t *testing.T) {
	ctx := context.Background()
	g, mr := newRedisGuard(t, Options{})

	ticket, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, ticket))
	assert.False(t, mr.Exists(redisKey("k1")))

	assert.ErrorIs(t, g.Release(ctx, ticket), ErrNotOwner)
}

func TestRedisGuard_WaiterSeesCompletedResult(t *testing.T) {
	ctx := context.Background()
	g, _ := newRedisGuard(t, Options{Lease: time.Minute})

	owner, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)

	got := make(chan Ticket, 1)
	go func() {
		ticket, err := g.Begin(ctx, "k1", testFingerprint)
		assert.NoError(t, err)
		got <- ticket
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, g.Complete(ctx, owner, successResult("k1")))

	select {
	case ticket := <-got:
		require.False(t, ticket.Owned())
		assert.Equal(t, domain.StatusSuccess, ticket.Result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never saw the result")
	}
}

func TestRedisGuard_StaleLeaseTakeover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g, _ := newRedisGuard(t, Options{Lease: 30 * time.Second})
	g.now = clock.Now

	stale, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	ticket, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	assert.True(t, ticket.Owned())
	assert.True(t, ticket.TookOver)

	assert.ErrorIs(t, g.Complete(ctx, stale, successResult("k1")), ErrNotOwner)
	require.NoError(t, g.Complete(ctx, ticket, successResult("k1")))
}

func TestRedisGuard_Resolve(t *testing.T) {
	ctx := context.Background()
	g, _ := newRedisGuard(t, Options{})

	_, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.NoError(t, g.Resolve(ctx, "k1", successResult("k1")))

	replay, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	require.False(t, replay.Owned())
	assert.Equal(t, "txn-1", replay.Result.TransferID)
}

func TestRedisGuard_StorageUnavailable(t *testing.T) {
	g, mr := newRedisGuard(t, Options{})
	mr.Close()

	_, err := g.Begin(context.Background(), "k1", testFingerprint)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestRedisGuard_RenewKeepsLiveOwner(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g, _ := newRedisGuard(t, Options{Lease: 30 * time.Second})
	g.now = clock.Now

	owner, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, g.Renew(ctx, owner))
	clock.Advance(20 * time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = g.Begin(waitCtx, "k1", testFingerprint)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Once the lease really runs out the key can be taken over, and the old
	// owner can no longer renew it
	clock.Advance(11 * time.Second)
	taker, err := g.Begin(ctx, "k1", testFingerprint)
	require.NoError(t, err)
	assert.True(t, taker.TookOver)
	assert.ErrorIs(t, g.Renew(ctx, owner), ErrNotOwner)
}
