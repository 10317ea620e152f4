package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/provisioning"
	"github.com/nathanyu/p2p-wallet/internal/queue"
	"github.com/nathanyu/p2p-wallet/internal/store"
)

func newSubscriber(conn *nats.Conn, subject string) (*queue.IdentitySubscriber, *store.MemoryStore) {
	st := store.NewMemoryStore()
	svc := provisioning.NewService(st, nil)
	return queue.NewIdentitySubscriber(conn, subject, queue.ProvisioningQueue, svc), st
}

func TestIdentitySubscriber_Handle(t *testing.T) {
	sub, st := newSubscriber(nil, queue.IdentitySubject)
	ctx := context.Background()

	event := `{"email":"alice@x.com","username":"alice","verified_at":"2026-01-09T12:00:00Z"}`

	reply := sub.Handle(ctx, []byte(event))
	assert.Equal(t, queue.ProvisionReply{Created: true}, reply)

	// Redelivery of the same event
	reply = sub.Handle(ctx, []byte(event))
	assert.Equal(t, queue.ProvisionReply{Created: false}, reply)
	assert.Equal(t, domain.BonusBalance, st.TotalBalance())
}

func TestIdentitySubscriber_HandleRejects(t *testing.T) {
	sub, st := newSubscriber(nil, queue.IdentitySubject)
	ctx := context.Background()

	reply := sub.Handle(ctx, []byte(`{"email":"alice@x.com","username":"alice"}`))
	assert.Equal(t, domain.KindInvalidIdentity, reply.Code)
	assert.False(t, reply.Created)

	reply = sub.Handle(ctx, []byte(`not json`))
	assert.Equal(t, domain.KindInvalidIdentity, reply.Code)

	assert.Equal(t, int64(0), st.TotalBalance())
}

func connectOrSkip(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.NoReconnect())
	if err != nil {
		t.Skip("NATS server not available")
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestIdentitySubscriber_RequestReply(t *testing.T) {
	nc := connectOrSkip(t)

	subject := "test.identity.verified." + time.Now().Format("150405.000000")
	sub, st := newSubscriber(nc, subject)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	data, err := json.Marshal(domain.VerifiedIdentity{
		Email:      "bob@x.com",
		Username:   "bob",
		VerifiedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	for _, wantCreated := range []bool{true, false} {
		msg, err := nc.Request(subject, data, 2*time.Second)
		require.NoError(t, err)

		var reply queue.ProvisionReply
		require.NoError(t, json.Unmarshal(msg.Data, &reply))
		assert.Equal(t, wantCreated, reply.Created)
	}
	assert.Equal(t, domain.BonusBalance, st.TotalBalance())
}

func TestEventPublisher_Publish(t *testing.T) {
	nc := connectOrSkip(t)

	subject := "test.wallet.events." + time.Now().Format("150405.000000")
	received := make(chan *nats.Msg, 1)
	s, err := nc.ChanSubscribe(subject, received)
	require.NoError(t, err)
	defer s.Unsubscribe()

	pub := queue.NewEventPublisher(nc, subject)
	require.NoError(t, pub.Publish(context.Background(), domain.AccountProvisioned{AccountID: "carol@x.com", DisplayName: "carol", Bonus: 5000}))

	select {
	case msg := <-received:
		assert.Equal(t, domain.EventTypeAccountProvisioned, msg.Header.Get("Wallet-Event-Type"))
		event, err := domain.DeserializeEvent(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "carol@x.com", event.(domain.AccountProvisioned).AccountID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

var _ queue.IdentityHandler = (*provisioning.Service)(nil)

// flakyProvisioner fails with err for the first failures calls
type flakyProvisioner struct {
	failures int
	err      error
	calls    int
}

func (p *flakyProvisioner) HandleVerifiedIdentity(_ context.Context, _ domain.VerifiedIdentity) (provisioning.Result, error) {
	p.calls++
	if p.calls <= p.failures {
		return provisioning.Result{}, p.err
	}
	return provisioning.Result{Created: true}, nil
}

const verifiedEvent = `{"email":"alice@x.com","username":"alice","verified_at":"2026-01-09T12:00:00Z"}`

func TestIdentitySubscriber_RetriesStorageFailures(t *testing.T) {
	handler := &flakyProvisioner{failures: 2, err: fmt.Errorf("provision: %w", domain.ErrStorageUnavailable)}
	sub := queue.NewIdentitySubscriber(nil, queue.IdentitySubject, queue.ProvisioningQueue, handler,
		queue.WithProvisionRetry(5, time.Millisecond))

	reply := sub.Handle(context.Background(), []byte(verifiedEvent))
	assert.Equal(t, queue.ProvisionReply{Created: true}, reply)
	assert.Equal(t, 3, handler.calls)
}

func TestIdentitySubscriber_ReportsRetryableFailure(t *testing.T) {
	handler := &flakyProvisioner{failures: 100, err: domain.ErrStorageUnavailable}
	sub := queue.NewIdentitySubscriber(nil, queue.IdentitySubject, queue.ProvisioningQueue, handler,
		queue.WithProvisionRetry(3, time.Millisecond))

	reply := sub.Handle(context.Background(), []byte(verifiedEvent))
	assert.False(t, reply.Created)
	assert.True(t, reply.Retryable)
	assert.Equal(t, domain.KindStorageUnavailable, reply.Code)
	assert.Equal(t, 3, handler.calls)
}

func TestIdentitySubscriber_InvalidIdentityIsNotRetried(t *testing.T) {
	handler := &flakyProvisioner{failures: 100, err: domain.ErrInvalidIdentity}
	sub := queue.NewIdentitySubscriber(nil, queue.IdentitySubject, queue.ProvisioningQueue, handler,
		queue.WithProvisionRetry(3, time.Millisecond))

	reply := sub.Handle(context.Background(), []byte(verifiedEvent))
	assert.Equal(t, domain.KindInvalidIdentity, reply.Code)
	assert.False(t, reply.Retryable)
	assert.Equal(t, 1, handler.calls)
}
