package hades

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// FileLocker keeps each lock as a file in dir, so every process sharing dir
// sees it. A lock whose ttl has passed, or whose holder process on this host
// is gone, is taken over.
type FileLocker struct {
	dir string

	// now and alive are exposed for testing purposes.
	now   func() time.Time
	alive func(ctx context.Context, pid int32) bool
}

type lockHolder struct {
	Token    string    `json:"token"`
	Key      string    `json:"key"`
	PID      int32     `json:"pid"`
	Host     string    `json:"host"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires,omitzero"`
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, now: time.Now, alive: pidAlive}
}

// pidAlive reports true when the check itself fails.
func pidAlive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err != nil || ok
}

// Path returns the lock file used for key.
func (l *FileLocker) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.dir, ".lock-"+hex.EncodeToString(sum[:8]))
}

func (l *FileLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	path := l.Path(key)
	host, _ := os.Hostname()
	now := l.now().UTC()
	holder := lockHolder{
		Token:    uuid.NewString(),
		Key:      key,
		PID:      int32(os.Getpid()),
		Host:     host,
		Acquired: now,
	}
	if ttl > 0 {
		holder.Expires = now.Add(ttl)
	}
	body, err := json.Marshal(holder)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock %s: %w", key, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.Write(body)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock %s: %w", key, werr)
			}
			return l.releaser(path, holder.Token), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if attempt > 0 || !l.stale(ctx, path, host) {
			return nil, ErrLocked
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to clear stale lock %s: %w", key, err)
		}
	}
	return nil, ErrLocked
}

func readHolder(path string) (*lockHolder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (l *FileLocker) stale(ctx context.Context, path, host string) bool {
	h, err := readHolder(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		// A holder that died between create and write leaves an unreadable file.
		info, statErr := os.Stat(path)
		return statErr == nil && l.now().Sub(info.ModTime()) > time.Minute
	}
	if !h.Expires.IsZero() && l.now().After(h.Expires) {
		return true
	}
	return h.Host == host && !l.alive(ctx, h.PID)
}

func (l *FileLocker) releaser(path, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// A lock taken over after expiry belongs to someone else now.
			if h, err := readHolder(path); err == nil && h.Token == token {
				os.Remove(path)
			}
		})
	}
}
