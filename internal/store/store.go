// Package store holds the account balances, the single source of truth for
// the wallet. Every mutation is a conditional or transactional primitive.
package store

import (
	"context"

	"github.com/nathanyu/p2p-wallet/internal/domain"
)

// CreateResult is returned by CreateIfAbsent
type CreateResult struct {
	Created bool
	Account domain.Account
}

// AccountStore defines the primitives the transfer and provisioning services build on.
type AccountStore interface {
	// Get returns the account or domain.ErrAccountNotFound.
	Get(ctx context.Context, id string) (domain.Account, error)

	// CreateIfAbsent inserts the account unless one with the same id exists,
	// in which case the existing row is returned unchanged with Created=false.
	CreateIfAbsent(ctx context.Context, id, displayName string, initialBalance int64) (CreateResult, error)

	// ApplyDelta adds delta to the balance only if it still equals
	// expectedBalance; otherwise it fails with domain.ErrConflict. A delta
	// that would leave the balance negative fails with
	// domain.ErrInsufficientBalance.
	ApplyDelta(ctx context.Context, id string, delta, expectedBalance int64) (domain.Account, error)

	// List returns all accounts ordered by id.
	List(ctx context.Context) ([]domain.Account, error)
}

// Transferer is implemented by stores that can move funds between two rows
// in one indivisible transaction.
type Transferer interface {
	Transfer(ctx context.Context, senderID, recipientID string, amount int64) (sender, recipient domain.Account, err error)
}
