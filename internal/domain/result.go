package domain

import "time"

// TransferStatus is the outcome of a transfer
type TransferStatus string

const (
	StatusSuccess TransferStatus = "SUCCESS"
	StatusFailed  TransferStatus = "FAILED"
)

// TransferResult is what a caller receives, and what the idempotency guard
// replays for duplicate submissions of the same key.
type TransferResult struct {
	TransferID       string         `json:"transfer_id"`
	IdempotencyKey   string         `json:"idempotency_key"`
	Status           TransferStatus `json:"status"`
	SenderID         string         `json:"sender_id"`
	RecipientID      string         `json:"recipient_id"`
	Amount           int64          `json:"amount"`
	SenderBalance    int64          `json:"sender_balance"`
	RecipientBalance int64          `json:"recipient_balance"`
	ErrorCode        ErrorKind      `json:"error_code,omitempty"`
	Message          string         `json:"message,omitempty"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// Err rebuilds the sentinel error for a recorded failure so replays surface
// the same error as the first attempt.
func (r TransferResult) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	for _, k := range kinds {
		if k.kind == r.ErrorCode {
			return k.err
		}
	}
	return ErrStorageUnavailable
}
