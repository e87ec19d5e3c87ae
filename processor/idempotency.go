package processor

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyTracker remembers which events completed processing so that
// redeliveries after an ack can be dropped instead of reprocessed.
type IdempotencyTracker interface {
	// MarkProcessed records that the event reached a terminal state.
	// Returns true when this call was the first to record it.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)

	// IsProcessed reports whether the event already reached a terminal state.
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

const processedKeyPrefix = "audit:processed:"

// RedisTracker is a Redis-backed tracker shared across worker instances.
// The marker carries a TTL; after it expires the sink's own idempotent
// write is the remaining guard.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisTrackerOption configures the tracker.
type RedisTrackerOption func(*RedisTracker)

// WithTrackerTTL sets how long processed markers are kept.
func WithTrackerTTL(ttl time.Duration) RedisTrackerOption {
	return func(t *RedisTracker) {
		t.ttl = ttl
	}
}

// NewRedisTracker creates a tracker over an existing client.
func NewRedisTracker(client *redis.Client, options ...RedisTrackerOption) *RedisTracker {
	t := &RedisTracker{
		client: client,
		ttl:    24 * time.Hour,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *RedisTracker) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	// SETNX makes the first writer win atomically across instances.
	return t.client.SetNX(ctx, processedKeyPrefix+eventID, "1", t.ttl).Result()
}

func (t *RedisTracker) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := t.client.Exists(ctx, processedKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryTracker is an in-process tracker for tests and single-instance runs.
type MemoryTracker struct {
	mu        sync.Mutex
	processed map[string]bool
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]bool)}
}

func (t *MemoryTracker) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.processed[eventID] {
		return false, nil
	}
	t.processed[eventID] = true
	return true, nil
}

func (t *MemoryTracker) IsProcessed(_ context.Context, eventID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed[eventID], nil
}
