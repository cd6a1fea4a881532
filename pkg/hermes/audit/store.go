package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Store persists journal events.
type Store interface {
	Write(ctx context.Context, event *Event) error
}

// LogStore appends events to a writer, one JSON object per line.
type LogStore struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewLogStore(w io.Writer) *LogStore {
	return &LogStore{enc: json.NewEncoder(w)}
}

// NewFileStore opens path for appending and returns a LogStore over it.
// The caller owns the returned file.
func NewFileStore(path string) (*LogStore, *os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewLogStore(f), f, nil
}

func (s *LogStore) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to append journal event %s: %w", event.ID, err)
	}
	return nil
}

// ReadEvents decodes every event of a journal file. A missing file is an empty journal.
// On a malformed entry the events decoded so far are returned with the error.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("journal entry %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
}

// TamperEvidentStore seals each event onto the chain before handing it to the wrapped Store.
type TamperEvidentStore struct {
	mu    sync.Mutex
	next  Store
	chain *ChainManager
	head  string
}

// NewTamperEvidentStore continues the chain whose newest hash is head; an empty head starts a new chain.
func NewTamperEvidentStore(next Store, chain *ChainManager, head string) *TamperEvidentStore {
	return &TamperEvidentStore{next: next, chain: chain, head: head}
}

func (s *TamperEvidentStore) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.chain.Seal(event, s.head); err != nil {
		return err
	}
	if err := s.next.Write(ctx, event); err != nil {
		return err
	}
	s.head = event.Hash
	return nil
}
