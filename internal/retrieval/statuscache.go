package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStatusTTL bounds how stale the cached index status may be.
const DefaultStatusTTL = 60 * time.Second

// IndexStatus summarizes what the vector index holds.
type IndexStatus struct {
	Vectors int  `json:"vectors"`
	Indexed bool `json:"indexed"`
}

// Counter is the slice of Index the status cache needs.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// StatusStore keeps a cached IndexStatus.
type StatusStore interface {
	Load(ctx context.Context) (IndexStatus, bool, error)
	Save(ctx context.Context, st IndexStatus, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// StatusCache answers "is anything indexed, and how much" without hitting
// the index on every call. Invalidate must be called after every successful
// upsert so callers never see a stale empty status.
type StatusCache struct {
	counter Counter
	store   StatusStore
	ttl     time.Duration
	logger  *slog.Logger
}

// NewStatusCache returns a cache over counter. A nil store keeps the entry in memory.
func NewStatusCache(counter Counter, store StatusStore, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	if store == nil {
		store = NewMemoryStatusStore()
	}
	return &StatusCache{counter: counter, store: store, ttl: ttl, logger: slog.Default()}
}

// Get returns the cached status, refreshing it from the index when the entry
// is missing or expired. A broken cache store is logged and bypassed.
func (c *StatusCache) Get(ctx context.Context) (IndexStatus, error) {
	st, ok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("index status cache read failed", "error", err)
	}
	if ok {
		return st, nil
	}

	n, err := c.counter.Count(ctx)
	if err != nil {
		return IndexStatus{}, err
	}
	st = IndexStatus{Vectors: n, Indexed: n > 0}
	if err := c.store.Save(ctx, st, c.ttl); err != nil {
		c.logger.Warn("index status cache write failed", "error", err)
	}
	return st, nil
}

// Invalidate drops the cached entry so the next Get re-reads the index.
func (c *StatusCache) Invalidate(ctx context.Context) {
	if err := c.store.Delete(ctx); err != nil {
		c.logger.Warn("index status cache invalidate failed", "error", err)
	}
}

type statusEntry struct {
	Value     IndexStatus
	FetchedAt time.Time
	TTL       time.Duration
}

func (e statusEntry) fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// MemoryStatusStore is a process-local StatusStore.
type MemoryStatusStore struct {
	mu    sync.Mutex
	entry *statusEntry
	now   func() time.Time
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{now: time.Now}
}

func (m *MemoryStatusStore) Load(context.Context) (IndexStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil || !m.entry.fresh(m.now()) {
		return IndexStatus{}, false, nil
	}
	return m.entry.Value, true, nil
}

func (m *MemoryStatusStore) Save(_ context.Context, st IndexStatus, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = &statusEntry{Value: st, FetchedAt: m.now(), TTL: ttl}
	return nil
}

func (m *MemoryStatusStore) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = nil
	return nil
}

// RedisStatusStore shares the cached status between processes that index
// into the same collection. Expiry is left to Redis.
type RedisStatusStore struct {
	client *redis.Client
	key    string
}

func NewRedisStatusStore(client *redis.Client, indexName string) *RedisStatusStore {
	return &RedisStatusStore{client: client, key: "nyanta:index:status:" + indexName}
}

// NewRedisClient connects to addr and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return client, nil
}

func (r *RedisStatusStore) Load(ctx context.Context) (IndexStatus, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return IndexStatus{}, false, nil
	}
	if err != nil {
		return IndexStatus{}, false, fmt.Errorf("redis get index status: %w", err)
	}
	var st IndexStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return IndexStatus{}, false, fmt.Errorf("decoding cached index status: %w", err)
	}
	return st, true, nil
}

func (r *RedisStatusStore) Save(ctx context.Context, st IndexStatus, ttl time.Duration) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding index status: %w", err)
	}
	if err := r.client.Set(ctx, r.key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set index status: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis delete index status: %w", err)
	}
	return nil
}
