package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

func TestConnOptions_Defaults(t *testing.T) {
	opts := ConnOptions{URL: nats.DefaultURL}.withDefaults()
	assert.Equal(t, time.Second, opts.ReconnectWait)
	assert.Equal(t, 60, opts.MaxReconnects)
	assert.Equal(t, 10*time.Second, opts.DrainTimeout)

	forever := ConnOptions{MaxReconnects: -1, DrainTimeout: time.Second}.withDefaults()
	assert.Equal(t, -1, forever.MaxReconnects)
	assert.Equal(t, time.Second, forever.DrainTimeout)
	assert.Len(t, forever.natsOptions(), 8)
}

func TestOnAsyncError_CountsSlowConsumers(t *testing.T) {
	slow := telemetry.NATSConnectionEvents.WithLabelValues("slow_consumer")
	other := telemetry.NATSConnectionEvents.WithLabelValues("async_error")
	slowBefore := testutil.ToFloat64(slow)
	otherBefore := testutil.ToFloat64(other)

	onAsyncError(nil, &nats.Subscription{Subject: IdentitySubject}, nats.ErrSlowConsumer)
	onAsyncError(nil, nil, errors.New("permissions violation"))

	assert.Equal(t, slowBefore+1, testutil.ToFloat64(slow))
	assert.Equal(t, otherBefore+1, testutil.ToFloat64(other))
}
