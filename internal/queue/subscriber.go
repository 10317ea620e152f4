package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/provisioning"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// IdentityHandler is implemented by provisioning.Service
type IdentityHandler interface {
	HandleVerifiedIdentity(ctx context.Context, event domain.VerifiedIdentity) (provisioning.Result, error)
}

// ProvisionReply is sent back when the identity event carries a reply
// subject. Retryable failures must be redelivered by the sender.
type ProvisionReply struct {
	Created   bool             `json:"created"`
	Error     string           `json:"error,omitempty"`
	Code      domain.ErrorKind `json:"code,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

const (
	DefaultProvisionAttempts = 5
	DefaultProvisionBackoff  = 100 * time.Millisecond
)

// SubscriberOption tunes an IdentitySubscriber
type SubscriberOption func(*IdentitySubscriber)

// WithProvisionRetry sets how often a provisioning that failed on storage is
// attempted before the event is given up.
func WithProvisionRetry(attempts int, initial time.Duration) SubscriberOption {
	return func(s *IdentitySubscriber) {
		s.attempts = attempts
		s.initialBackoff = initial
	}
}

// IdentitySubscriber feeds verified-identity events into provisioning. All
// wallet instances join one queue group so each event is handled once per
// delivery.
//
// Core NATS does not redeliver, so storage failures are retried here. An
// event still failing after that is answered with Retryable set, or logged
// as dropped when the sender asked for no reply.
type IdentitySubscriber struct {
	conn    *nats.Conn
	subject string
	queue   string
	handler IdentityHandler

	attempts       int
	initialBackoff time.Duration

	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewIdentitySubscriber creates a subscriber; call Start to begin consuming
func NewIdentitySubscriber(conn *nats.Conn, subject, queue string, handler IdentityHandler, opts ...SubscriberOption) *IdentitySubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &IdentitySubscriber{
		conn:           conn,
		subject:        subject,
		queue:          queue,
		handler:        handler,
		attempts:       DefaultProvisionAttempts,
		initialBackoff: DefaultProvisionBackoff,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the identity subject
func (s *IdentitySubscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.handleMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	slog.Info("identity subscriber started", "subject", s.subject, "queue", s.queue)
	return nil
}

// Stop unsubscribes and waits for in-flight messages
func (s *IdentitySubscriber) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.sub != nil {
			err = s.sub.Drain()
		}
		s.wg.Wait()
		s.cancel()
	})
	return err
}

func (s *IdentitySubscriber) handleMsg(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	telemetry.NATSMessagesReceived.WithLabelValues(s.subject).Inc()

	ctx := s.ctx
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}

	reply := s.Handle(ctx, msg.Data)

	if msg.Reply == "" {
		if reply.Retryable {
			telemetry.ProvisioningTotal.WithLabelValues("dropped").Inc()
			slog.ErrorContext(ctx, "identity event dropped after retries; the identity provider must redeliver it",
				"subject", s.subject,
				"code", reply.Code,
				"error", reply.Error,
			)
		}
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal provisioning reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.WarnContext(ctx, "failed to respond to identity event", "error", err)
	}
}

// Handle decodes one identity event and provisions its account
func (s *IdentitySubscriber) Handle(ctx context.Context, data []byte) ProvisionReply {
	ctx, span := telemetry.StartSpan(ctx, "queue.HandleVerifiedIdentity",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", s.subject),
		),
	)

	var event domain.VerifiedIdentity
	if err := json.Unmarshal(data, &event); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
		telemetry.EndSpan(span, err)
		slog.WarnContext(ctx, "malformed identity event", "error", err)
		return ProvisionReply{Error: err.Error(), Code: domain.KindInvalidIdentity}
	}

	ctx = telemetry.WithLogAttrs(ctx, "email", event.Email)

	var res provisioning.Result
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		var err error
		res, err = s.handler.HandleVerifiedIdentity(ctx, event)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.attempts-1, 0))), ctx))

	telemetry.EndSpan(span, err)
	if err != nil {
		return ProvisionReply{
			Error:     err.Error(),
			Code:      domain.KindOf(err),
			Retryable: retryable(err),
		}
	}
	return ProvisionReply{Created: res.Created}
}

// retryable reports whether err came from the infrastructure rather than
// the event itself
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindStorageUnavailable, domain.KindConflict, domain.KindInternal:
		return true
	default:
		return false
	}
}
