package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_OrderIndependent(t *testing.T) {
	table := newLockTable()

	unlock, err := table.lockAll(context.Background(), "b", "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := table.lockAll(context.Background(), "a", "b")
		if assert.NoError(t, err) {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second caller got the pair while it was held")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never got the pair")
	}
}

func TestLockTable_GivesUpWithContext(t *testing.T) {
	table := newLockTable()

	unlock, err := table.lockAll(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = table.lockAll(ctx, "b", "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// "b" was released on the way out
	u, err := table.lockAll(context.Background(), "b")
	require.NoError(t, err)
	u()
}

func TestLockTable_ForgetsIdleAccounts(t *testing.T) {
	table := newLockTable()

	unlock, err := table.lockAll(context.Background(), "a", "b", "a")
	require.NoError(t, err)
	unlock()

	assert.Empty(t, table.locks)
}
