package transfer_test

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/eventstore"
	"github.com/nathanyu/p2p-wallet/internal/idempotency"
	"github.com/nathanyu/p2p-wallet/internal/store"
	"github.com/nathanyu/p2p-wallet/internal/transfer"
)

const (
	alice = "alice@x.com"
	bob   = "bob@x.com"
	carol = "carol@x.com"
)

var fastRetries = transfer.Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.GetType())
	}
	return out
}

type fixture struct {
	store     *store.MemoryStore
	guard     *idempotency.MemoryGuard
	journal   *eventstore.EventStore
	publisher *recordingPublisher
	svc       *transfer.Service
}

func newJournal(t *testing.T) *eventstore.EventStore {
	t.Helper()
	journal, err := eventstore.NewEventStore(filepath.Join(t.TempDir(), "transfers.log"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return journal
}

func newFixture(t *testing.T, accounts ...string) *fixture {
	t.Helper()

	f := &fixture{
		store:     store.NewMemoryStore(),
		guard:     idempotency.NewMemoryGuard(idempotency.Options{}),
		journal:   newJournal(t),
		publisher: &recordingPublisher{},
	}
	for _, id := range accounts {
		_, err := f.store.CreateIfAbsent(context.Background(), id, id, domain.BonusBalance)
		require.NoError(t, err)
	}

	svc, err := transfer.NewService(f.store, f.guard, f.journal, f.publisher, fastRetries)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func cmd(key, from, to string, amount int64) domain.TransferCommand {
	return domain.TransferCommand{IdempotencyKey: key, SenderID: from, RecipientID: to, Amount: amount}
}

func TestTransfer_Success(t *testing.T) {
	f := newFixture(t, alice, bob)

	result, err := f.svc.Transfer(context.Background(), cmd("k1", alice, bob, 100))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.NotEmpty(t, result.TransferID)
	assert.Equal(t, int64(4900), result.SenderBalance)
	assert.Equal(t, int64(5100), result.RecipientBalance)
	assert.Equal(t, int64(4900), f.balance(t, alice))
	assert.Equal(t, int64(5100), f.balance(t, bob))

	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []string{domain.EventTypeMoneyDeducted, domain.EventTypeMoneyCredited}, f.publisher.types())
}

func TestTransfer_NormalizesAccountIDs(t *testing.T) {
	f := newFixture(t, alice, bob)

	result, err := f.svc.Transfer(context.Background(), cmd("k1", " Alice@X.com", "BOB@x.com ", 100))
	require.NoError(t, err)
	assert.Equal(t, alice, result.SenderID)
	assert.Equal(t, int64(5100), f.balance(t, bob))
}

func TestTransfer_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		cmd  domain.TransferCommand
		want error
	}{
		{name: "negative amount", cmd: cmd("k1", alice, bob, -5), want: domain.ErrInvalidAmount},
		{name: "zero amount", cmd: cmd("k2", alice, bob, 0), want: domain.ErrInvalidAmount},
		{name: "more than the balance", cmd: cmd("k3", alice, bob, 10000), want: domain.ErrInsufficientBalance},
		{name: "one more than the balance", cmd: cmd("k4", alice, bob, 5001), want: domain.ErrInsufficientBalance},
		{name: "to self", cmd: cmd("k5", alice, alice, 10), want: domain.ErrSameAccount},
		{name: "unknown recipient", cmd: cmd("k6", alice, carol, 10), want: domain.ErrAccountNotFound},
		{name: "unknown sender", cmd: cmd("k7", carol, alice, 10), want: domain.ErrAccountNotFound},
		{name: "missing key", cmd: cmd("", alice, bob, 10), want: domain.ErrIdempotencyKeyRequired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, alice, bob)

			_, err := f.svc.Transfer(context.Background(), tc.cmd)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int64(5000), f.balance(t, alice))
			assert.Equal(t, int64(5000), f.balance(t, bob))
		})
	}
}

func TestTransfer_ValidationDoesNotTouchTheGuard(t *testing.T) {
	f := newFixture(t, alice, bob)

	_, err := f.svc.Transfer(context.Background(), cmd("k1", alice, bob, -5))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Equal(t, 0, f.guard.Len())

	// The key is still free for a valid request
	_, err = f.svc.Transfer(context.Background(), cmd("k1", alice, bob, 5))
	require.NoError(t, err)
}

func TestTransfer_DrainToZero(t *testing.T) {
	f := newFixture(t, alice, bob)

	result, err := f.svc.Transfer(context.Background(), cmd("k1", alice, bob, 5000))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.SenderBalance)

	_, err = f.svc.Transfer(context.Background(), cmd("k2", alice, bob, 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestTransfer_Idempotent(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	first, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 100))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 100))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Equal(t, int64(4900), f.balance(t, alice))
	assert.Equal(t, int64(5100), f.balance(t, bob))
}

func TestTransfer_ConcurrentDuplicatesMoveMoneyOnce(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 100))
			if assert.NoError(t, err) {
				ids <- result.TransferID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, int64(4900), f.balance(t, alice))
}

func TestTransfer_FailureIsReplayed(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	first, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 10000))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.StatusFailed, first.Status)
	assert.Equal(t, domain.KindInsufficientBalance, first.ErrorCode)

	// Funding the sender does not change a recorded outcome
	_, err = f.store.ApplyDelta(ctx, alice, 10000, 5000)
	require.NoError(t, err)

	again, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 10000))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, first.TransferID, again.TransferID)
	assert.Equal(t, int64(15000), f.balance(t, alice))

	assert.Contains(t, f.publisher.types(), domain.EventTypeTransactionFailed)
}

func TestTransfer_KeyReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t, alice, bob)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 100))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, cmd("k1", alice, bob, 200))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	assert.Equal(t, int64(4900), f.balance(t, alice))
}

func TestTransfer_OppositeDirections(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, alice, bob)
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, cmd("a-to-b", alice, bob, 100))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(ctx, cmd("b-to-a", bob, alice, 50))
			assert.NoError(t, err)
		}()
		wg.Wait()

		require.Equal(t, int64(4950), f.balance(t, alice))
		require.Equal(t, int64(5050), f.balance(t, bob))
	}
}

func TestTransfer_ConservationUnderLoad(t *testing.T) {
	accounts := []string{alice, bob, carol, "dave@x.com"}
	f := newFixture(t, accounts...)
	ctx := context.Background()

	// Recovery runs alongside live transfers, as it does in the server
	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	recoveryDone := make(chan struct{})
	go func() {
		f.svc.StartRecovery(recoveryCtx, time.Millisecond)
		close(recoveryDone)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			from := accounts[r.Intn(len(accounts))]
			to := accounts[(r.Intn(len(accounts)-1)+1+indexOf(accounts, from))%len(accounts)]
			amount := int64(r.Intn(3000) + 1)

			_, err := f.svc.Transfer(ctx, cmd(fmt.Sprintf("load-%d", i), from, to, amount))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
			}
		}(i)
	}
	wg.Wait()
	stopRecovery()
	<-recoveryDone

	assert.Equal(t, int64(len(accounts))*domain.BonusBalance, f.store.TotalBalance())
	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	for _, id := range accounts {
		assert.GreaterOrEqual(t, f.balance(t, id), int64(0))
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestTransfer_CanceledBeforeDebit(t *testing.T) {
	f := newFixture(t, alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Transfer(ctx, cmd("k1", alice, bob, 100))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(5000), f.balance(t, alice))
	assert.Equal(t, 0, f.guard.Len())
}

func TestGetBalanceAndPayees(t *testing.T) {
	f := newFixture(t, alice, bob, carol)
	ctx := context.Background()

	acc, err := f.svc.GetBalance(ctx, " ALICE@x.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acc.Balance)

	_, err = f.svc.GetBalance(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	payees, err := f.svc.Payees(ctx, "Alice@x.com")
	require.NoError(t, err)
	assert.Equal(t, []transfer.Payee{
		{ID: bob, DisplayName: bob},
		{ID: carol, DisplayName: carol},
	}, payees)
}

func TestNewService_RequiresJournalForPlainStores(t *testing.T) {
	_, err := transfer.NewService(store.NewMemoryStore(), idempotency.NewMemoryGuard(idempotency.Options{}), nil, nil, transfer.Options{})
	assert.Error(t, err)
}

// nativeStore adds a single-transaction transfer to the memory store
type nativeStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (n *nativeStore) Transfer(ctx context.Context, senderID, recipientID string, amount int64) (domain.Account, domain.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++

	sender, err := n.Get(ctx, senderID)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	recipient, err := n.Get(ctx, recipientID)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	if sender.Balance < amount {
		return domain.Account{}, domain.Account{}, domain.ErrInsufficientBalance
	}

	sender, err = n.ApplyDelta(ctx, senderID, -amount, sender.Balance)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	recipient, err = n.ApplyDelta(ctx, recipientID, amount, recipient.Balance)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	return sender, recipient, nil
}

func TestTransfer_NativeTransaction(t *testing.T) {
	ctx := context.Background()
	ns := &nativeStore{MemoryStore: store.NewMemoryStore()}
	for _, id := range []string{alice, bob} {
		_, err := ns.CreateIfAbsent(ctx, id, id, domain.BonusBalance)
		require.NoError(t, err)
	}

	svc, err := transfer.NewService(ns, idempotency.NewMemoryGuard(idempotency.Options{}), nil, nil, fastRetries)
	require.NoError(t, err)

	result, err := svc.Transfer(ctx, cmd("k1", alice, bob, 300))
	require.NoError(t, err)
	assert.Equal(t, int64(4700), result.SenderBalance)
	assert.Equal(t, int64(5300), result.RecipientBalance)

	_, err = svc.Transfer(ctx, cmd("k2", alice, bob, 4701))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = svc.Transfer(ctx, cmd("k1", alice, bob, 300))
	require.NoError(t, err)
	assert.Equal(t, 2, ns.calls)

	report, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, transfer.RecoveryReport{}, report)
}
