package hades

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

const keyPrefix = "mnemosyne"

type RedisRegistry struct {
	client    *redis.Client
	namespace string
}

func newRedisClient(addr string, db int, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisRegistry indexes snapshots under mnemosyne:<namespace>:*.
func NewRedisRegistry(addr string, db int, password, namespace string) (*RedisRegistry, error) {
	client, err := newRedisClient(addr, db, password)
	if err != nil {
		return nil, err
	}
	return &RedisRegistry{client: client, namespace: namespace}, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) snapshotKey(id domain.SnapshotID) string {
	return fmt.Sprintf("%s:%s:snapshot:%s", keyPrefix, r.namespace, id)
}

func (r *RedisRegistry) restoreKey() string {
	return fmt.Sprintf("%s:%s:restore:last", keyPrefix, r.namespace)
}

func (r *RedisRegistry) Put(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.snapshotKey(snap.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to index snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id domain.SnapshotID) (*domain.Snapshot, error) {
	val, err := r.client.Get(ctx, r.snapshotKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*domain.Snapshot, error) {
	var list []*domain.Snapshot
	iter := r.client.Scan(ctx, 0, r.snapshotKey("*"), 0).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Deleted during iteration
			}
			return nil, fmt.Errorf("failed to get snapshot key %s: %w", key, err)
		}

		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(val), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot key %s: %w", key, err)
		}
		list = append(list, &snap)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	return list, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id domain.SnapshotID) error {
	if err := r.client.Del(ctx, r.snapshotKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove snapshot %s from index: %w", id, err)
	}
	return nil
}

// RecordRestore keeps the newest record: an older completion never overwrites a newer one.
func (r *RedisRegistry) RecordRestore(ctx context.Context, rec domain.RestoreRecord) error {
	key := r.restoreKey()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal restore record: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var current domain.RestoreRecord
			if json.Unmarshal([]byte(val), &current) == nil && current.CompletedAt.After(rec.CompletedAt) {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to record restore: %w", err)
	}
	return nil
}

func (r *RedisRegistry) LastRestore(ctx context.Context) (*domain.RestoreRecord, error) {
	val, err := r.client.Get(ctx, r.restoreKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last restore: %w", err)
	}

	var rec domain.RestoreRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restore record: %w", err)
	}
	return &rec, nil
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	client    *redis.Client
	namespace string
}

func NewRedisLocker(addr string, db int, password, namespace string) (*RedisLocker, error) {
	client, err := newRedisClient(addr, db, password)
	if err != nil {
		return nil, err
	}
	return &RedisLocker{client: client, namespace: namespace}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := fmt.Sprintf("%s:%s:lock:%s", keyPrefix, l.namespace, key)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err()
	}, nil
}
