package store

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
)

// MemoryIdempotencyStore is an in-process idempotency table. Records are lost
// on restart, so it only fits single-instance deployments and tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]domain.IdempotencyRecord),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *MemoryIdempotencyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Store inserts rec. It fails with domain.ErrIdempotencyConflict when a live
// record already owns the key; an expired one is replaced.
func (s *MemoryIdempotencyStore) Store(_ context.Context, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(s.now()) {
		return domain.ErrIdempotencyConflict
	}
	rec.Response = append([]byte(nil), rec.Response...)
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, &domain.NotFoundError{Resource: "idempotency key", ID: key}
	}
	return &rec, nil
}

// FindByHash returns the newest live record with hash whose key differs from
// excludeKey.
func (s *MemoryIdempotencyStore) FindByHash(_ context.Context, hash, excludeKey string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *domain.IdempotencyRecord
	for key, rec := range s.records {
		if key == excludeKey || rec.RequestHash != hash || rec.Expired(now) {
			continue
		}
		if best == nil || rec.CreatedAt.After(best.CreatedAt) {
			r := rec
			best = &r
		}
	}
	if best == nil {
		return nil, &domain.NotFoundError{Resource: "idempotency hash", ID: hash}
	}
	return best, nil
}

// CleanupExpired deletes every record whose ExpiresAt is not after now.
func (s *MemoryIdempotencyStore) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
