package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TransferCommand represents a transfer request from the API
type TransferCommand struct {
	IdempotencyKey string `json:"idempotency_key"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Amount         int64  `json:"amount"` // minor units
}

// Normalize returns a copy with account IDs canonicalized and the key trimmed
func (c TransferCommand) Normalize() TransferCommand {
	return TransferCommand{
		IdempotencyKey: strings.TrimSpace(c.IdempotencyKey),
		SenderID:       NormalizeAccountID(c.SenderID),
		RecipientID:    NormalizeAccountID(c.RecipientID),
		Amount:         c.Amount,
	}
}

// Validate checks the command without touching any state
func (c TransferCommand) Validate() error {
	if c.Amount <= 0 {
		return ErrInvalidAmount
	}
	if c.SenderID == "" || c.RecipientID == "" {
		return ErrAccountNotFound
	}
	if c.SenderID == c.RecipientID {
		return ErrSameAccount
	}
	if c.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

// Fingerprint hashes the payload so a reused idempotency key with a different
// payload can be told apart from a genuine retry.
func (c TransferCommand) Fingerprint() string {
	payload := fmt.Sprintf("%s|%s|%d", c.SenderID, c.RecipientID, c.Amount)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
