// Package store provides RecordStore backends. The in-memory backend here
// serves single-process setups and tests; the redis and mongodb
// subpackages provide the shared cross-context stores.
package store

import (
	"context"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/sessiongate/domain"
)

// MemoryRecordStore implements domain.RecordStore using ttlcache.
type MemoryRecordStore struct {
	cache *ttlcache.Cache[string, *domain.SessionRecord]
}

// NewMemoryRecordStore creates an in-memory record store. Entries stay
// until deleted: one record exists per resource and expiry is judged
// against ExpiresAt on every read path, so physical cleanup is left to
// Delete and Clear.
func NewMemoryRecordStore() *MemoryRecordStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.SessionRecord](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryRecordStore{
		cache: cache,
	}
}

// Get implements domain.RecordStore.Get. A copy is returned so callers
// cannot mutate the stored record in place.
func (s *MemoryRecordStore) Get(_ context.Context, resourceID string) (*domain.SessionRecord, error) {
	item := s.cache.Get(resourceID)
	if item == nil {
		return nil, domain.ErrRecordNotFound
	}

	record := *item.Value()
	return &record, nil
}

// Put implements domain.RecordStore.Put. The whole record is replaced.
func (s *MemoryRecordStore) Put(_ context.Context, record *domain.SessionRecord) error {
	stored := *record
	s.cache.Set(record.ResourceID, &stored, ttlcache.NoTTL)
	return nil
}

// Delete removes a single resource's record.
func (s *MemoryRecordStore) Delete(_ context.Context, resourceID string) error {
	s.cache.Delete(resourceID)
	return nil
}

// Clear removes all session records.
func (s *MemoryRecordStore) Clear(_ context.Context) error {
	s.cache.DeleteAll()
	return nil
}

// Count counts the records currently held.
func (s *MemoryRecordStore) Count(_ context.Context) int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryRecordStore) Close() error {
	s.cache.Stop()
	return nil
}

var _ domain.RecordStore = (*MemoryRecordStore)(nil)
