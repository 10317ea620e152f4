package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EventTypeAccountProvisioned = "AccountProvisioned"
	EventTypeMoneyDeducted      = "MoneyDeducted"
	EventTypeMoneyCredited      = "MoneyCredited"
	EventTypeTransactionFailed  = "TransactionFailed"
	EventTypeDebitCommitted     = "DebitCommitted"
	EventTypeCreditApplied      = "CreditApplied"
	EventTypeDebitCompensated   = "DebitCompensated"
)

// Event is the base interface for all events
type Event interface {
	GetType() string
	GetTransactionID() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AccountProvisioned is published when a verified identity gets its account
type AccountProvisioned struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Bonus       int64  `json:"bonus"`
}

func (e AccountProvisioned) GetType() string          { return EventTypeAccountProvisioned }
func (e AccountProvisioned) GetTransactionID() string { return "provision:" + e.AccountID }

// MoneyDeducted represents a successful deduction from an account
type MoneyDeducted struct {
	TransactionID string `json:"transaction_id"`
	Account       string `json:"account"`
	Amount        int64  `json:"amount"`
}

func (e MoneyDeducted) GetType() string          { return EventTypeMoneyDeducted }
func (e MoneyDeducted) GetTransactionID() string { return e.TransactionID }

// MoneyCredited represents a successful credit to an account
type MoneyCredited struct {
	TransactionID string `json:"transaction_id"`
	Account       string `json:"account"`
	Amount        int64  `json:"amount"`
}

func (e MoneyCredited) GetType() string          { return EventTypeMoneyCredited }
func (e MoneyCredited) GetTransactionID() string { return e.TransactionID }

// TransactionFailed represents a rejected transfer (e.g., insufficient funds)
type TransactionFailed struct {
	TransactionID string    `json:"transaction_id"`
	FromAccount   string    `json:"from_account"`
	Reason        ErrorKind `json:"reason"`
}

func (e TransactionFailed) GetType() string          { return EventTypeTransactionFailed }
func (e TransactionFailed) GetTransactionID() string { return e.TransactionID }

// DebitCommitted marks a transfer whose sender debit is durable but whose
// credit has not been confirmed yet.
type DebitCommitted struct {
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Amount         int64  `json:"amount"`
	SenderBalance  int64  `json:"sender_balance"`
}

func (e DebitCommitted) GetType() string          { return EventTypeDebitCommitted }
func (e DebitCommitted) GetTransactionID() string { return e.TransactionID }

// CreditApplied closes a DebitCommitted entry
type CreditApplied struct {
	TransactionID    string `json:"transaction_id"`
	RecipientID      string `json:"recipient_id"`
	RecipientBalance int64  `json:"recipient_balance"`
}

func (e CreditApplied) GetType() string          { return EventTypeCreditApplied }
func (e CreditApplied) GetTransactionID() string { return e.TransactionID }

// DebitCompensated closes a DebitCommitted entry by refunding the sender
type DebitCompensated struct {
	TransactionID string `json:"transaction_id"`
	SenderID      string `json:"sender_id"`
	SenderBalance int64  `json:"sender_balance"`
}

func (e DebitCompensated) GetType() string          { return EventTypeDebitCompensated }
func (e DebitCompensated) GetTransactionID() string { return e.TransactionID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case EventTypeAccountProvisioned:
		return decode[AccountProvisioned](envelope.Data)
	case EventTypeMoneyDeducted:
		return decode[MoneyDeducted](envelope.Data)
	case EventTypeMoneyCredited:
		return decode[MoneyCredited](envelope.Data)
	case EventTypeTransactionFailed:
		return decode[TransactionFailed](envelope.Data)
	case EventTypeDebitCommitted:
		return decode[DebitCommitted](envelope.Data)
	case EventTypeCreditApplied:
		return decode[CreditApplied](envelope.Data)
	case EventTypeDebitCompensated:
		return decode[DebitCompensated](envelope.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}
}

func decode[T Event](data json.RawMessage) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}
