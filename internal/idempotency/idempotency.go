// Package idempotency deduplicates retried create requests carrying an
// X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/claimflow/model"
)

// DefaultTTL is how long a key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// PendingTTL bounds how long a reservation survives a server that never
// completes or releases it.
const PendingTTL = time.Minute

// Record is what a key remembers about the request that first used it.
type Record struct {
	WorkflowID string    `json:"workflowId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store provides deduplication for workflow creation. A request first
// reserves its key; only the reserving request creates the workflow and
// then stores the record, or releases the key if creation failed.
type Store interface {
	// Check looks up a completed record by key. If the key exists and the
	// input hash matches, it returns the record. If the key exists but the
	// hash differs, it returns a CONFLICT error. A pending reservation is
	// reported as not found.
	Check(ctx context.Context, key string, inputHash string) (record *Record, found bool, err error)

	// Reserve claims key for inputHash. It returns reserved=true when the
	// caller now owns the key, the completed record when an earlier request
	// finished, and neither while another request holds the reservation.
	// A different input hash gives a CONFLICT error.
	Reserve(ctx context.Context, key string, inputHash string) (record *Record, reserved bool, err error)

	// Store saves a record under key with a TTL, replacing a reservation.
	// A completed record is never overwritten.
	Store(ctx context.Context, key string, inputHash string, record Record, ttl time.Duration) error

	// Release drops a reservation. Completed records are kept.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash string `json:"inputHash"`
	Pending   bool   `json:"pending,omitempty"`
	Record    Record `json:"record"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached record.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.data.Pending {
		return nil, false, nil
	}
	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	record := e.data.Record
	return &record, true, nil
}

// Reserve claims key under the store lock.
func (s *MemoryStore) Reserve(_ context.Context, key string, inputHash string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		s.entries[key] = &memEntry{
			data:      entry{InputHash: inputHash, Pending: true},
			expiresAt: s.now().Add(PendingTTL),
		}
		return nil, true, nil
	}
	if e.data.InputHash != inputHash {
		return nil, false, conflict(key)
	}
	if e.data.Pending {
		return nil, false, nil
	}
	record := e.data.Record
	return &record, false, nil
}

// Store saves a record with TTL. A completed entry is not overwritten.
func (s *MemoryStore) Store(_ context.Context, key string, inputHash string, record Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok && !e.data.Pending {
		return nil
	}
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Record: record},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops a pending reservation.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// live returns the unexpired entry for key, dropping an expired one.
// Callers hold s.mu.
func (s *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is left to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings the Redis server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Check looks up a cached record in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Record, bool, error) {
	e, found, err := s.get(ctx, key)
	if err != nil || !found || e.Pending {
		return nil, false, err
	}
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Record, true, nil
}

// Reserve claims key with SETNX, so exactly one request wins it.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string) (*Record, bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, PendingTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return nil, true, nil
	}

	e, found, err := s.get(ctx, key)
	if err != nil || !found {
		// Expired between SETNX and GET; the caller tries again.
		return nil, false, err
	}
	if e.InputHash != inputHash {
		return nil, false, conflict(key)
	}
	if e.Pending {
		return nil, false, nil
	}
	return &e.Record, false, nil
}

// storeScript replaces a missing or pending entry.
var storeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and not string.find(cur, '"pending":true', 1, true) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// releaseScript deletes the entry only while it is pending.
var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and string.find(cur, '"pending":true', 1, true) then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store saves a record in Redis with TTL, replacing the reservation. An
// existing completed record is not overwritten, so the first request to
// finish wins.
func (s *RedisStore) Store(ctx context.Context, key string, inputHash string, record Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(entry{InputHash: inputHash, Record: record})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := storeScript.Run(ctx, s.client, []string{key}, data, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis store %q: %w", key, err)
	}
	return nil
}

// Release drops a pending reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) (entry, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e, true, nil
}

// HashInput produces a deterministic hash of a request body for comparing
// retries. encoding/json sorts map keys, so equal maps hash equally.
func HashInput(input any) string {
	data, _ := json.Marshal(input)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FormatKey scopes a client-supplied key to the caller and operation.
func FormatKey(subjectID, operation, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, operation, key)
}
