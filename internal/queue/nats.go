package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

const (
	IdentitySubject     = "identity.verified"
	ProvisioningQueue   = "wallet-provisioning"
	WalletEventsSubject = "wallet.events"
)

// ConnOptions configures the shared NATS connection
type ConnOptions struct {
	URL  string
	Name string

	// ReconnectWait and MaxReconnects bound how long the wallet keeps
	// trying a lost server; MaxReconnects < 0 retries forever.
	ReconnectWait time.Duration
	MaxReconnects int

	// DrainTimeout caps how long Close waits for queued identity events
	DrainTimeout time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 60
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	return o
}

func (o ConnOptions) natsOptions() []nats.Option {
	return []nats.Option{
		nats.Name(o.Name),
		nats.ReconnectWait(o.ReconnectWait),
		nats.MaxReconnects(o.MaxReconnects),
		nats.DrainTimeout(o.DrainTimeout),
		nats.DisconnectErrHandler(onDisconnect),
		nats.ReconnectHandler(onReconnect),
		nats.ClosedHandler(onClosed),
		nats.ErrorHandler(onAsyncError),
	}
}

// NATSClient owns the connection shared by the event publisher and the
// identity subscriber
type NATSClient struct {
	conn         *nats.Conn
	drainTimeout time.Duration
}

// NewNATSClient connects with opts
func NewNATSClient(opts ConnOptions) (*NATSClient, error) {
	opts = opts.withDefaults()
	conn, err := nats.Connect(opts.URL, opts.natsOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}
	return &NATSClient{conn: conn, drainTimeout: opts.DrainTimeout}, nil
}

// GetConn returns the underlying NATS connection
func (c *NATSClient) GetConn() *nats.Conn {
	return c.conn
}

// Close drains subscriptions and pending publishes, then closes. Drain is
// asynchronous, so Close waits up to the drain timeout for it to finish.
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		slog.Warn("NATS drain failed", "error", err)
	}
	deadline := time.Now().Add(c.drainTimeout)
	for !c.conn.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.conn.Close()
}

func onDisconnect(_ *nats.Conn, err error) {
	telemetry.NATSConnectionEvents.WithLabelValues("disconnected").Inc()
	if err != nil {
		slog.Warn("NATS disconnected; wallet events and identity provisioning are paused", "error", err)
	}
}

func onReconnect(nc *nats.Conn) {
	telemetry.NATSConnectionEvents.WithLabelValues("reconnected").Inc()
	slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
}

func onClosed(_ *nats.Conn) {
	telemetry.NATSConnectionEvents.WithLabelValues("closed").Inc()
	slog.Info("NATS connection closed")
}

// onAsyncError reports errors NATS raises outside a call, most often a slow
// identity subscriber whose pending buffer overflowed and dropped events.
func onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := "async_error"
	if errors.Is(err, nats.ErrSlowConsumer) {
		event = "slow_consumer"
	}
	telemetry.NATSConnectionEvents.WithLabelValues(event).Inc()

	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	slog.Error("NATS async error", "event", event, "subject", subject, "error", err)
}
