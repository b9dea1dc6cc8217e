package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go.pilab.hu/sessiongate/domain"
	sgerrors "go.pilab.hu/sessiongate/errors"
)

// RecordStore implements the domain.RecordStore interface using Redis.
// Every write is a complete record under a resource-scoped key; there is
// deliberately no field-level update path, so concurrent writers from
// sibling contexts resolve by last write wins.
type RecordStore struct {
	client *redis.Client
	prefix string // Optional prefix for keys
}

// NewRecordStore creates a new [RecordStore] instance.
func NewRecordStore(client *redis.Client, prefix string) *RecordStore {
	return &RecordStore{
		client: client,
		prefix: prefix,
	}
}

// redisKey returns the Redis key for a given resource.
func (r *RecordStore) redisKey(resourceID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, resourceID)
}

// Put stores a complete session record in Redis. Timestamps are stored as
// Unix milliseconds, the timeout as milliseconds, matching the persisted
// layout consumed by every execution context.
func (r *RecordStore) Put(ctx context.Context, record *domain.SessionRecord) error {
	key := r.redisKey(record.ResourceID)

	entry := map[string]interface{}{
		"resource_id":   record.ResourceID,
		"session_start": record.SessionStart.UnixMilli(),
		"timeout_ms":    record.TimeoutDuration.Milliseconds(),
		"session_token": record.SessionToken,
		"expires_at":    record.ExpiresAt.UnixMilli(),
	}

	if _, err := r.client.HSet(ctx, key, entry).Result(); err != nil {
		return fmt.Errorf("failed to set session record in Redis: %w", err)
	}

	// Physical TTL on the key. Readers still judge expiry against
	// expires_at themselves; this only bounds garbage.
	if ttl := time.Until(record.ExpiresAt); ttl > 0 {
		if _, err := r.client.Expire(ctx, key, ttl).Result(); err != nil {
			return fmt.Errorf("failed to set expiry for session record in Redis: %w", err)
		}
	}

	return nil
}

// Get retrieves the session record for a resource. An unparsable stored
// entry is reported as RecordCorrupt, never a panic.
func (r *RecordStore) Get(ctx context.Context, resourceID string) (*domain.SessionRecord, error) {
	key := r.redisKey(resourceID)

	res, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session record from Redis: %w", err)
	}

	if len(res) == 0 {
		return nil, domain.ErrRecordNotFound
	}

	sessionStart, err := strconv.ParseInt(res["session_start"], 10, 64)
	if err != nil {
		return nil, sgerrors.NewRecordCorrupt(resourceID, err)
	}

	timeoutMs, err := strconv.ParseInt(res["timeout_ms"], 10, 64)
	if err != nil {
		return nil, sgerrors.NewRecordCorrupt(resourceID, err)
	}

	expiresAt, err := strconv.ParseInt(res["expires_at"], 10, 64)
	if err != nil {
		return nil, sgerrors.NewRecordCorrupt(resourceID, err)
	}

	return &domain.SessionRecord{
		ResourceID:      res["resource_id"],
		SessionStart:    time.UnixMilli(sessionStart),
		TimeoutDuration: time.Duration(timeoutMs) * time.Millisecond,
		SessionToken:    res["session_token"],
		ExpiresAt:       time.UnixMilli(expiresAt),
	}, nil
}

// Delete removes the record for a single resource.
func (r *RecordStore) Delete(ctx context.Context, resourceID string) error {
	if _, err := r.client.Del(ctx, r.redisKey(resourceID)).Result(); err != nil {
		return fmt.Errorf("failed to delete session record from Redis: %w", err)
	}
	return nil
}

// Clear removes all session records, used when a full logout wipes every
// resource's grant rather than a single one.
func (r *RecordStore) Clear(ctx context.Context) error {
	pattern := r.redisKey("*")
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan session records in Redis: %w", err)
		}

		if len(keys) > 0 {
			if _, err := r.client.Del(ctx, keys...).Result(); err != nil {
				return fmt.Errorf("failed to delete session records in Redis: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

var _ domain.RecordStore = (*RecordStore)(nil)
