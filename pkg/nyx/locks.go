package nyx

import (
	"sync"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// idLocks hands out one RWMutex per snapshot id, dropped once unused.
type idLocks struct {
	mu    sync.Mutex
	locks map[domain.SnapshotID]*idLock
}

type idLock struct {
	sync.RWMutex
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[domain.SnapshotID]*idLock)}
}

func (l *idLocks) acquire(id domain.SnapshotID) *idLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &idLock{}
		l.locks[id] = lk
	}
	lk.refs++
	return lk
}

func (l *idLocks) drop(id domain.SnapshotID, lk *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *idLocks) lock(id domain.SnapshotID) func() {
	lk := l.acquire(id)
	lk.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			lk.Unlock()
			l.drop(id, lk)
		})
	}
}

func (l *idLocks) rlock(id domain.SnapshotID) func() {
	lk := l.acquire(id)
	lk.RLock()
	var once sync.Once
	return func() {
		once.Do(func() {
			lk.RUnlock()
			l.drop(id, lk)
		})
	}
}
