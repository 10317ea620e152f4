// Package mocks provides mock implementations for testing purposes.
package mocks

//go:generate mockgen -destination=mock_store.go -package=mocks github.com/nathanyu/p2p-wallet/internal/store AccountStore
