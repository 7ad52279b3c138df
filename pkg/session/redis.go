package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"igsession/pkg/retry"
)

// RedisBackend stores records as JSON values and keeps a set of usernames
// per proxy so capacity can be read without scanning every record.
type RedisBackend struct {
	client *backend.Client
	prefix string
}

// NewRedisBackend connects to a Redis server
func NewRedisBackend(addr, username, password string, db int, prefix string) *RedisBackend {
	return NewRedisBackendFromClient(backend.NewClient(&backend.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	}), prefix)
}

// NewRedisBackendFromClient wraps an existing client
func NewRedisBackendFromClient(client *backend.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "igsession:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Client exposes the underlying client so a RedisLocker can share it
func (b *RedisBackend) Client() *backend.Client {
	return b.client
}

func (b *RedisBackend) recordKey(username string) string { return b.prefix + "record:" + username }
func (b *RedisBackend) proxyKey(proxy string) string     { return b.prefix + "proxy:" + proxy }
func (b *RedisBackend) proxiesKey() string               { return b.prefix + "proxies" }
func (b *RedisBackend) indexKey() string                 { return b.prefix + "index" }

func (b *RedisBackend) Load(ctx context.Context, username string) (*Record, error) {
	val, err := b.client.Get(ctx, b.recordKey(username)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decodeRecord(username, val)
}

func decodeRecord(username string, data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	rec.Username = username
	return &rec, nil
}

// Put replaces the record and moves its proxy membership in one transaction
func (b *RedisBackend) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	key := b.recordKey(rec.Username)

	err = b.client.Watch(ctx, func(tx *backend.Tx) error {
		oldProxy := ""
		old, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, backend.Nil):
		case err != nil:
			return err
		default:
			prev, err := decodeRecord(rec.Username, old)
			if err != nil {
				return err
			}
			oldProxy = prev.Proxy
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, b.indexKey(), rec.Username)
			if oldProxy != "" && oldProxy != rec.Proxy {
				pipe.SRem(ctx, b.proxyKey(oldProxy), rec.Username)
			}
			if rec.Proxy != "" {
				pipe.SAdd(ctx, b.proxyKey(rec.Proxy), rec.Username)
				pipe.SAdd(ctx, b.proxiesKey(), rec.Proxy)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (b *RedisBackend) ProxyLoad(ctx context.Context) (map[string]int, error) {
	proxies, err := b.client.SMembers(ctx, b.proxiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}

	pipe := b.client.Pipeline()
	counts := make([]*backend.IntCmd, len(proxies))
	for i, p := range proxies {
		counts[i] = pipe.SCard(ctx, b.proxyKey(p))
	}
	if len(proxies) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to count proxy members: %w", err)
		}
	}

	load := make(map[string]int, len(proxies))
	for i, p := range proxies {
		if n := counts[i].Val(); n > 0 {
			load[p] = int(n)
		}
	}
	return load, nil
}

func (b *RedisBackend) List(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return names, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var unlockScript = backend.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var errLockBusy = errors.New("lock is held")

// ErrLockAcquire is returned when a distributed lock cannot be obtained
// before the context is done.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

// RedisLocker is a Locker shared by every instance using the same Redis.
// Locks expire after ttl so a crashed holder cannot block a user forever.
type RedisLocker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a locker on client
func NewRedisLocker(client *backend.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 50 * time.Millisecond}
}

// Lock polls SET NX PX until it wins or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	err := retry.Do(ctx, &retry.Config{
		Backoff: &retry.ConstantBackoff{Delay: l.poll},
		RetryIf: func(err error) bool { return errors.Is(err, errLockBusy) },
	}, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrLockAcquire, key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}, nil
}
