package audit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Auditor records journal events.
type Auditor interface {
	Record(ctx context.Context, event *Event) error
}

// StandardAuditor is the default implementation of Auditor.
type StandardAuditor struct {
	store Store
	actor string
	now   func() time.Time
}

// NewStandardAuditor creates a new StandardAuditor.
func NewStandardAuditor(store Store) *StandardAuditor {
	return &StandardAuditor{
		store: store,
		actor: currentActor(),
		now:   time.Now,
	}
}

// Record fills in id, timestamp and actor, then writes the event.
func (a *StandardAuditor) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Actor == "" {
		event.Actor = a.actor
	}

	if err := a.store.Write(ctx, event); err != nil {
		return fmt.Errorf("failed to write journal event: %w", err)
	}
	return nil
}

// Journal is a file-backed, hash-chained Auditor.
type Journal struct {
	*StandardAuditor
	path  string
	file  *os.File
	chain *ChainManager
}

// OpenJournal appends to the journal at path, continuing its hash chain.
func OpenJournal(path string, secret []byte) (*Journal, error) {
	events, err := ReadEvents(path)
	if err != nil {
		return nil, err
	}
	var last string
	if len(events) > 0 {
		last = events[len(events)-1].Hash
	}

	store, f, err := NewFileStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	chain := NewChainManager(secret)
	return &Journal{
		StandardAuditor: NewStandardAuditor(NewTamperEvidentStore(store, chain, last)),
		path:            path,
		file:            f,
		chain:           chain,
	}, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Verify re-reads the journal and checks its hash chain.
func (j *Journal) Verify() ([]Event, error) {
	events, err := ReadEvents(j.path)
	if err != nil {
		return nil, err
	}
	return events, j.chain.VerifyChain(events)
}

func (j *Journal) Close() error {
	return j.file.Close()
}

// NopAuditor drops every event.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, *Event) error { return nil }

func currentActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	host, _ := os.Hostname()
	return host
}
