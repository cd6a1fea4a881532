package audit

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealedEvents(t *testing.T, cm *ChainManager, n int) []Event {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]Event, n)
	prev := ""
	for i := range events {
		events[i] = Event{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    ActionCreate,
			Result:    ResultSuccess,
			Resource:  Resource{Type: "snapshot", ID: "s"},
			Metadata:  map[string]any{"files": i, "bytes": i * 10},
		}
		require.NoError(t, cm.Seal(&events[i], prev))
		prev = events[i].Hash
	}
	return events
}

func TestChainManager_ComputeHashIsStable(t *testing.T) {
	cm := NewChainManager([]byte("secret"))
	ev := &Event{
		ID:        "1",
		Timestamp: time.Date(2023, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600)),
		Action:    ActionVerify,
		Result:    ResultSuccess,
		Metadata:  map[string]any{"z": 1, "a": 2},
	}
	first, err := cm.ComputeHash(ev)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := cm.ComputeHash(ev)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	ev.Timestamp = ev.Timestamp.UTC()
	utc, err := cm.ComputeHash(ev)
	require.NoError(t, err)
	assert.Equal(t, first, utc, "zone must not affect the hash")

	other, err := NewChainManager([]byte("other")).ComputeHash(ev)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestChainManager_VerifyChain(t *testing.T) {
	cm := NewChainManager([]byte("secret"))

	tests := []struct {
		name   string
		tamper func(cm *ChainManager, events []Event) []Event
		index  int
		reason string
	}{
		{
			name:   "intact",
			tamper: func(_ *ChainManager, events []Event) []Event { return events },
			index:  -1,
		},
		{
			name: "edited result",
			tamper: func(_ *ChainManager, events []Event) []Event {
				events[1].Result = ResultError
				return events
			},
			index:  1,
			reason: "hash mismatch",
		},
		{
			name: "resealed entry breaks the next link",
			tamper: func(cm *ChainManager, events []Event) []Event {
				events[1].Metadata["files"] = 99
				_ = cm.Seal(&events[1], events[1].PreviousHash)
				return events
			},
			index:  2,
			reason: "link does not match",
		},
		{
			name: "dropped middle entry",
			tamper: func(_ *ChainManager, events []Event) []Event {
				return append(events[:1], events[2:]...)
			},
			index:  1,
			reason: "link does not match",
		},
		{
			name: "truncated head",
			tamper: func(_ *ChainManager, events []Event) []Event {
				return events[1:]
			},
			index:  0,
			reason: "missing predecessor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.tamper(cm, sealedEvents(t, cm, 3))
			err := cm.VerifyChain(events)
			if tt.index < 0 {
				assert.NoError(t, err)
				return
			}
			var chainErr *ChainError
			require.ErrorAs(t, err, &chainErr)
			assert.Equal(t, tt.index, chainErr.Index)
			assert.Contains(t, chainErr.Reason, tt.reason)
		})
	}
}

func TestTamperEvidentStore_LinksWrites(t *testing.T) {
	var buf bytes.Buffer
	cm := NewChainManager([]byte("k"))
	store := NewTamperEvidentStore(NewLogStore(&buf), cm, "")

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.Write(ctx, &Event{ID: id, Action: ActionDelete, Timestamp: time.Now()}))
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	path := filepath.Join(t.TempDir(), "j.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Empty(t, events[0].PreviousHash)
	assert.NoError(t, cm.VerifyChain(events))
}

func TestReadEvents(t *testing.T) {
	dir := t.TempDir()

	events, err := ReadEvents(filepath.Join(dir, "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, events)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{\"id\":\"1\"}\n{oops\n"), 0o600))
	events, err = ReadEvents(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal entry 2")
	assert.Len(t, events, 1)
}

func TestJournal_ContinuesChainAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	ctx := context.Background()
	secret := []byte("k")

	j, err := OpenJournal(path, secret)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, &Event{Action: ActionCreate, Result: ResultSuccess, Resource: Resource{Type: "snapshot", ID: "a"}}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path, secret)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Record(ctx, &Event{
		Action:   ActionDelete,
		Result:   ResultSuccess,
		Resource: Resource{Type: "snapshot", ID: "a"},
		Metadata: map[string]any{"files": 3},
	}))

	events, err := j.Verify()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[1].Actor)
}

func TestJournal_WrongSecretFailsVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	j, err := OpenJournal(path, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), &Event{Action: ActionPrune, Result: ResultSuccess}))
	require.NoError(t, j.Close())

	other, err := OpenJournal(path, []byte("wrong"))
	require.NoError(t, err)
	defer other.Close()

	_, err = other.Verify()
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 0, chainErr.Index)
}
