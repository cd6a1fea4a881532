package hades

import (
	"context"
	"sync"
	"time"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

type MemoryRegistry struct {
	snapshots sync.Map // map[domain.SnapshotID]*domain.Snapshot

	mu          sync.RWMutex
	lastRestore *domain.RestoreRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (r *MemoryRegistry) Put(ctx context.Context, snap *domain.Snapshot) error {
	r.snapshots.Store(snap.ID, cloneSnapshot(snap))
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id domain.SnapshotID) (*domain.Snapshot, error) {
	val, ok := r.snapshots.Load(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSnapshot(val.(*domain.Snapshot)), nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*domain.Snapshot, error) {
	var list []*domain.Snapshot
	r.snapshots.Range(func(_, value any) bool {
		list = append(list, cloneSnapshot(value.(*domain.Snapshot)))
		return true
	})
	return list, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id domain.SnapshotID) error {
	r.snapshots.Delete(id)
	return nil
}

func (r *MemoryRegistry) RecordRestore(ctx context.Context, rec domain.RestoreRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRestore = &rec
	return nil
}

func (r *MemoryRegistry) LastRestore(ctx context.Context) (*domain.RestoreRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastRestore == nil {
		return nil, nil
	}
	rec := *r.lastRestore
	return &rec, nil
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	next  uint64
	clock func() time.Time
}

type memoryHold struct {
	token   uint64
	expires time.Time // zero means no expiry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), clock: time.Now}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, ErrLocked
	}

	l.next++
	hold := memoryHold{token: l.next}
	if ttl > 0 {
		hold.expires = now.Add(ttl)
	}
	l.held[key] = hold

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// An expired hold may have been taken over since.
			if l.held[key].token == hold.token {
				delete(l.held, key)
			}
		})
	}, nil
}
