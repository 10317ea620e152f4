package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

const (
	redisKeyPrefix      = "wallet:idempotency:"
	DefaultPollInterval = 50 * time.Millisecond
)

// claimScript moves a key to in-progress, or reports why it could not.
// KEYS[1] key; ARGV token, fingerprint, now_ms, lease_until_ms, retention_ms
var claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	redis.call('HSET', KEYS[1], 'state', 'in_progress', 'token', ARGV[1], 'fp', ARGV[2], 'lease_until', ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {'claimed'}
end
if redis.call('HGET', KEYS[1], 'fp') ~= ARGV[2] then
	return {'mismatch'}
end
if state == 'completed' then
	return {'completed', redis.call('HGET', KEYS[1], 'result')}
end
local lease = redis.call('HGET', KEYS[1], 'lease_until')
if tonumber(lease) <= tonumber(ARGV[3]) then
	redis.call('HSET', KEYS[1], 'token', ARGV[1], 'lease_until', ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {'takeover'}
end
return {'busy', lease}
`)

// completeScript records the result if the token still owns the key.
// KEYS[1] key; ARGV token, result, retention_ms
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'in_progress' then
	return 0
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[2])
redis.call('HDEL', KEYS[1], 'token', 'lease_until')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// renewScript moves the lease forward if the token still owns the key.
// KEYS[1] key; ARGV token, lease_until_ms
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'in_progress' then
	return 0
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'lease_until', ARGV[2])
return 1
`)

// releaseScript deletes an in-progress key owned by the token.
// KEYS[1] key; ARGV token
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'in_progress' then
	return 0
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisGuard shares idempotency state between wallet instances through Redis.
// Retention uses the key TTL; waiting callers poll.
type RedisGuard struct {
	client       redis.UniversalClient
	opts         Options
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisGuard creates a guard on an existing client
func NewRedisGuard(client redis.UniversalClient, opts Options) *RedisGuard {
	return &RedisGuard{
		client:       client,
		opts:         opts.withDefaults(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (g *RedisGuard) Begin(ctx context.Context, key, fingerprint string) (Ticket, error) {
	ctx, span := telemetry.StartSpan(ctx, "redis.idempotency_begin",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("idempotency_key", key),
		),
	)
	defer span.End()

	for {
		token := uuid.NewString()
		now := g.now()

		res, err := claimScript.Run(ctx, g.client, []string{redisKey(key)},
			token,
			fingerprint,
			now.UnixMilli(),
			now.Add(g.opts.Lease).UnixMilli(),
			g.opts.Retention.Milliseconds(),
		).StringSlice()
		if err != nil {
			span.RecordError(err)
			if ctx.Err() != nil {
				return Ticket{}, ctx.Err()
			}
			return Ticket{}, fmt.Errorf("claim %q: %w: %v", key, domain.ErrStorageUnavailable, err)
		}

		switch res[0] {
		case "claimed":
			return Ticket{Key: key, Token: token, Fingerprint: fingerprint, Lease: g.opts.Lease}, nil

		case "takeover":
			telemetry.IdempotencyLeaseTakeoversTotal.Inc()
			slog.WarnContext(ctx, "idempotency lease expired, taking over", "idempotency_key", key)
			return Ticket{Key: key, Token: token, Fingerprint: fingerprint, TookOver: true, Lease: g.opts.Lease}, nil

		case "mismatch":
			return Ticket{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyKeyReused)

		case "completed":
			var result domain.TransferResult
			if len(res) < 2 {
				return Ticket{}, fmt.Errorf("key %q: completed without a result", key)
			}
			if err := json.Unmarshal([]byte(res[1]), &result); err != nil {
				return Ticket{}, fmt.Errorf("decode result for %q: %w", key, err)
			}
			return Ticket{Key: key, Fingerprint: fingerprint, Result: &result}, nil

		case "busy":
			wait := g.pollInterval
			if len(res) > 1 {
				if leaseUntil, err := strconv.ParseInt(res[1], 10, 64); err == nil {
					if untilExpiry := time.UnixMilli(leaseUntil).Sub(now); untilExpiry > 0 && untilExpiry < wait {
						wait = untilExpiry
					}
				}
			}
			select {
			case <-ctx.Done():
				return Ticket{}, ctx.Err()
			case <-time.After(wait):
			}

		default:
			return Ticket{}, fmt.Errorf("claim %q: unexpected reply %q", key, res[0])
		}
	}
}

func (g *RedisGuard) Renew(ctx context.Context, ticket Ticket) error {
	leaseUntil := g.now().Add(g.opts.Lease).UnixMilli()
	ok, err := renewScript.Run(ctx, g.client, []string{redisKey(ticket.Key)}, ticket.Token, leaseUntil).Int()
	if err != nil {
		return fmt.Errorf("renew %q: %w: %v", ticket.Key, domain.ErrStorageUnavailable, err)
	}
	if ok == 0 {
		return fmt.Errorf("renew %q: %w", ticket.Key, ErrNotOwner)
	}
	return nil
}

func (g *RedisGuard) Complete(ctx context.Context, ticket Ticket, result domain.TransferResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	ok, err := completeScript.Run(ctx, g.client, []string{redisKey(ticket.Key)},
		ticket.Token, string(data), g.opts.Retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete %q: %w: %v", ticket.Key, domain.ErrStorageUnavailable, err)
	}
	if ok == 0 {
		return fmt.Errorf("complete %q: %w", ticket.Key, ErrNotOwner)
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, ticket Ticket) error {
	ok, err := releaseScript.Run(ctx, g.client, []string{redisKey(ticket.Key)}, ticket.Token).Int()
	if err != nil {
		return fmt.Errorf("release %q: %w: %v", ticket.Key, domain.ErrStorageUnavailable, err)
	}
	if ok == 0 {
		return fmt.Errorf("release %q: %w", ticket.Key, ErrNotOwner)
	}
	return nil
}

func (g *RedisGuard) Resolve(ctx context.Context, key string, result domain.TransferResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	rk := redisKey(key)
	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk, "state", "completed", "fp", fingerprintOf(result), "result", string(data))
		pipe.PExpire(ctx, rk, g.opts.Retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve %q: %w: %v", key, domain.ErrStorageUnavailable, err)
	}
	return nil
}

// NewRedisClient connects and pings the server
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	slog.Info("connected to redis", "addr", addr)
	return client, nil
}
