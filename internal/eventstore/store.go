// Package eventstore is the append-only transfer journal. A DebitCommitted
// entry is synced to disk before the credit is attempted, so a restarted
// process can find every transfer that still owes its recipient.
package eventstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

var renameFile = os.Rename

// EventStore provides append-only storage for journal events
type EventStore struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

// NewEventStore opens (or creates) the journal at filePath
func NewEventStore(filePath string) (*EventStore, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store file: %w", err)
	}

	return &EventStore{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes one event and syncs it before returning
func (s *EventStore) Append(event domain.Event) error {
	return s.AppendBatch([]domain.Event{event})
}

// AppendBatch writes events with a single sync at the end
func (s *EventStore) AppendBatch(events []domain.Event) error {
	start := time.Now()
	defer func() {
		telemetry.JournalWriteDuration.Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("event store is closed")
	}

	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		// Line-delimited JSON
		data = append(data, '\n')

		if _, err := s.file.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event store: %w", err)
	}

	return nil
}

// LoadAll reads every event in append order
func (s *EventStore) LoadAll() ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *EventStore) loadLocked() ([]domain.Event, error) {
	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Event{}, nil
		}
		return nil, fmt.Errorf("failed to open event store for reading: %w", err)
	}
	defer file.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := domain.DeserializeEvent(line)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event at line %d: %w", lineNum, err)
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading event store: %w", err)
	}

	return events, nil
}

// TransferRecord groups the journal entries of one transfer
type TransferRecord struct {
	Debit        domain.DebitCommitted
	Credit       *domain.CreditApplied
	Compensation *domain.DebitCompensated
}

// Open reports whether the recipient may still be owed the amount
func (r TransferRecord) Open() bool {
	return r.Credit == nil && r.Compensation == nil
}

// Records returns one record per journaled transfer, oldest first
func (s *EventStore) Records() ([]TransferRecord, error) {
	events, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	return recordsOf(events), nil
}

// Pending returns the DebitCommitted entries with no matching CreditApplied
// or DebitCompensated, oldest first.
func (s *EventStore) Pending() ([]domain.DebitCommitted, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}

	var pending []domain.DebitCommitted
	for _, r := range records {
		if r.Open() {
			pending = append(pending, r.Debit)
		}
	}
	return pending, nil
}

func recordsOf(events []domain.Event) []TransferRecord {
	index := make(map[string]int)
	var records []TransferRecord

	for _, event := range events {
		switch e := event.(type) {
		case domain.DebitCommitted:
			if _, seen := index[e.TransactionID]; seen {
				continue
			}
			index[e.TransactionID] = len(records)
			records = append(records, TransferRecord{Debit: e})
		case domain.CreditApplied:
			if i, ok := index[e.TransactionID]; ok {
				records[i].Credit = &e
			}
		case domain.DebitCompensated:
			if i, ok := index[e.TransactionID]; ok {
				records[i].Compensation = &e
			}
		}
	}
	return records
}

// Compact rewrites the journal keeping only the entries of pending transfers.
// The new file replaces the old one with a rename.
func (s *EventStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.loadLocked()
	if err != nil {
		return err
	}

	var pending []domain.Event
	for _, r := range recordsOf(events) {
		if r.Open() {
			pending = append(pending, r.Debit)
		}
	}

	tmpPath := s.filePath + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w := bufio.NewWriter(tmp)
	for _, e := range pending {
		data, err := domain.SerializeEvent(e)
		if err != nil {
			discard()
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		discard()
		return fmt.Errorf("failed to write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}

	// The old handle stays in use until the compacted file is in place
	if err := renameFile(tmpPath, s.filePath); err != nil {
		discard()
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	old := s.file
	s.file = tmp
	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the event store file
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
