package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idemRecord(key, hash string, created time.Time) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:         key,
		RequestHash: hash,
		Response:    json.RawMessage(`{"id":"tx-1","status":"SUBMITTED"}`),
		StatusCode:  201,
		CreatedAt:   created,
		ExpiresAt:   created.Add(24 * time.Hour),
	}
}

func TestMemoryIdempotency_StoreAndGet(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Store(ctx, idemRecord("key-a", "h1", now)))

	got, err := s.Get(ctx, "key-a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tx-1","status":"SUBMITTED"}`, string(got.Response))
	assert.Equal(t, 201, got.StatusCode)
}

func TestMemoryIdempotency_DuplicateStoreConflicts(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Store(ctx, idemRecord("key-a", "h1", now)))
	err := s.Store(ctx, idemRecord("key-a", "h2", now))
	assert.True(t, errors.Is(err, domain.ErrIdempotencyConflict))

	got, _ := s.Get(ctx, "key-a")
	assert.Equal(t, "h1", got.RequestHash, "original record is kept")
}

func TestMemoryIdempotency_ConcurrentStoreOneWinner(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Store(context.Background(), idemRecord("race", "h", time.Now())) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryIdempotency_Expiry(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(frozenClock(start))

	require.NoError(t, s.Store(ctx, idemRecord("key-a", "h1", start)))

	s.SetClock(frozenClock(start.Add(24 * time.Hour)))
	_, err := s.Get(ctx, "key-a")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// The key is free again once expired.
	assert.NoError(t, s.Store(ctx, idemRecord("key-a", "h2", start.Add(24*time.Hour))))
}

func TestMemoryIdempotency_FindByHash(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Store(ctx, idemRecord("older", "same", now.Add(-time.Minute))))
	require.NoError(t, s.Store(ctx, idemRecord("newer", "same", now)))
	require.NoError(t, s.Store(ctx, idemRecord("other", "different", now)))

	got, err := s.FindByHash(ctx, "same", "brand-new")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Key)

	got, err = s.FindByHash(ctx, "same", "newer")
	require.NoError(t, err)
	assert.Equal(t, "older", got.Key)

	_, err = s.FindByHash(ctx, "different", "other")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemoryIdempotency_FindByHashNeverReturnsExcludedKey(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	keys := []string{"k1", "k2", "k3", "k4"}
	for i, k := range keys {
		require.NoError(t, s.Store(ctx, idemRecord(k, "h", time.Now().Add(time.Duration(i)*time.Second))))
	}

	for _, k := range keys {
		got, err := s.FindByHash(ctx, "h", k)
		require.NoError(t, err)
		assert.NotEqual(t, k, got.Key)
	}
}

func TestMemoryIdempotency_CleanupExpired(t *testing.T) {
	s := NewMemoryIdempotencyStore()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(frozenClock(start))

	require.NoError(t, s.Store(ctx, idemRecord("old-1", "h", start.Add(-25*time.Hour))))
	require.NoError(t, s.Store(ctx, idemRecord("old-2", "h", start.Add(-24*time.Hour))))
	require.NoError(t, s.Store(ctx, idemRecord("fresh", "h", start)))

	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}
