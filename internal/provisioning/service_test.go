package provisioning_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/provisioning"
	"github.com/nathanyu/p2p-wallet/internal/store"
	"github.com/nathanyu/p2p-wallet/internal/store/mocks"
)

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

func TestProvisionAccount_GrantsBonusOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := provisioning.NewService(st, pub)

	res, err := svc.ProvisionAccount(ctx, "Alice@X.com", "alice")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "alice@x.com", res.Account.ID)
	assert.Equal(t, domain.BonusBalance, res.Account.Balance)

	res, err = svc.ProvisionAccount(ctx, "alice@x.com", "alice")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, domain.BonusBalance, st.TotalBalance())

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.AccountProvisioned{AccountID: "alice@x.com", DisplayName: "alice", Bonus: 5000}, pub.events[0])
}

func TestProvisionAccount_DoesNotResetSpentBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := provisioning.NewService(st, nil)

	_, err := svc.ProvisionAccount(ctx, "alice@x.com", "alice")
	require.NoError(t, err)
	_, err = st.ApplyDelta(ctx, "alice@x.com", -1200, 5000)
	require.NoError(t, err)

	res, err := svc.ProvisionAccount(ctx, "alice@x.com", "alice")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(3800), res.Account.Balance)
}

func TestProvisionAccount_ConcurrentDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := provisioning.NewService(st, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ProvisionAccount(ctx, "bob@x.com", "bob")
			if !assert.NoError(t, err) {
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, domain.BonusBalance, st.TotalBalance())
}

func TestHandleVerifiedIdentity(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name        string
		event       domain.VerifiedIdentity
		wantErr     error
		wantName    string
		wantCreated bool
	}{
		{
			name:        "verified with username",
			event:       domain.VerifiedIdentity{Email: "carol@x.com", Username: "Carol", VerifiedAt: now},
			wantName:    "Carol",
			wantCreated: true,
		},
		{
			name:        "empty username falls back to email",
			event:       domain.VerifiedIdentity{Email: "dave@x.com", VerifiedAt: now},
			wantName:    "dave",
			wantCreated: true,
		},
		{
			name:    "not verified",
			event:   domain.VerifiedIdentity{Email: "erin@x.com", Username: "erin"},
			wantErr: domain.ErrInvalidIdentity,
		},
		{
			name:    "missing email",
			event:   domain.VerifiedIdentity{Username: "nobody", VerifiedAt: now},
			wantErr: domain.ErrInvalidIdentity,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			svc := provisioning.NewService(st, nil)

			res, err := svc.HandleVerifiedIdentity(ctx, tc.event)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, int64(0), st.TotalBalance())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantCreated, res.Created)
			assert.Equal(t, tc.wantName, res.Account.DisplayName)
		})
	}
}

func TestProvisionAccount_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := mocks.NewMockAccountStore(ctrl)
	m.EXPECT().
		CreateIfAbsent(gomock.Any(), "alice@x.com", "alice", domain.BonusBalance).
		Return(store.CreateResult{}, domain.ErrStorageUnavailable)

	pub := &recordingPublisher{}
	svc := provisioning.NewService(m, pub)

	_, err := svc.ProvisionAccount(context.Background(), "alice@x.com", "alice")
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.Empty(t, pub.events)
}
