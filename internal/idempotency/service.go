// Package idempotency implements request deduplication keyed by a
// client-supplied idempotency key: the first successful outcome for a key is
// cached and replayed verbatim to every retry until it expires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/rs/zerolog"
)

const DefaultTTL = 24 * time.Hour

var idempotencyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "donation_idempotency_requests_total",
	Help: "Idempotent requests by lookup result",
}, []string{"result"})

// Store is the durable idempotency table.
type Store interface {
	Store(ctx context.Context, rec domain.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	FindByHash(ctx context.Context, hash, excludeKey string) (*domain.IdempotencyRecord, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Response is what a business operation hands back for caching.
type Response struct {
	StatusCode int
	Body       any
}

// Outcome is the result of Execute.
type Outcome struct {
	// Replayed is true when Body came from the cache and the operation did
	// not run.
	Replayed   bool
	StatusCode int
	Body       json.RawMessage
	// OriginalTimestamp is when the cached outcome was first stored.
	OriginalTimestamp time.Time
	// PossibleDuplicateOf names another live key whose request carried the
	// same content. Advisory only.
	PossibleDuplicateOf string
}

type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

func NewService(store Store, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		log:      log,
		inFlight: make(map[string]chan struct{}),
	}
}

// Get returns the live cached record for key.
func (s *Service) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return s.store.Get(ctx, key)
}

// Save caches a response under key with the configured TTL. It fails with
// domain.ErrIdempotencyConflict when the key is already taken.
func (s *Service) Save(ctx context.Context, key, hash string, statusCode int, body json.RawMessage, ownerID string) (*domain.IdempotencyRecord, error) {
	now := s.now()
	rec := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: hash,
		Response:    body,
		StatusCode:  statusCode,
		OwnerID:     ownerID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.Store(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Execute runs fn at most once per live key. A cached outcome is replayed
// with status 200 and annotated with _idempotent and _originalTimestamp.
// Failed operations are not cached, so the client may retry them.
func (s *Service) Execute(ctx context.Context, key string, body []byte, ownerID string, fn func(ctx context.Context) (*Response, error)) (*Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	for {
		rec, err := s.store.Get(ctx, key)
		if err == nil {
			idempotencyRequests.WithLabelValues("hit").Inc()
			return replay(rec)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}

		done, owner := s.claim(key)
		if owner {
			defer s.release(key, done)
			break
		}
		// Another request in this process holds the key; wait for it and
		// look again.
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	idempotencyRequests.WithLabelValues("miss").Inc()
	hash := GenerateRequestHash(body)
	out := &Outcome{}

	if dup, err := s.store.FindByHash(ctx, hash, key); err == nil {
		out.PossibleDuplicateOf = dup.Key
		s.log.Warn().
			Str("idempotency_key", key).
			Str("duplicate_of", dup.Key).
			Time("duplicate_created_at", dup.CreatedAt).
			Msg("request matches a recent request sent under a different idempotency key")
	}

	resp, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent response: %w", err)
	}

	rec, err := s.Save(ctx, key, hash, resp.StatusCode, payload, ownerID)
	switch {
	case errors.Is(err, domain.ErrIdempotencyConflict):
		// Someone outside this process stored the key first; theirs wins.
		idempotencyRequests.WithLabelValues("conflict").Inc()
		if cached, gerr := s.store.Get(ctx, key); gerr == nil {
			return replay(cached)
		}
		s.log.Warn().Str("idempotency_key", key).Msg("idempotency conflict but cached record vanished")
	case err != nil:
		// The operation already ran; report its result even though a retry
		// will not be deduplicated.
		s.log.Error().Err(err).Str("idempotency_key", key).Msg("failed to cache idempotent response")
	default:
		out.OriginalTimestamp = rec.CreatedAt
	}

	out.StatusCode = resp.StatusCode
	out.Body = payload
	return out, nil
}

// CleanupExpired purges records past their expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.CleanupExpired(ctx)
}

func (s *Service) claim(key string) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if done, ok := s.inFlight[key]; ok {
		return done, false
	}
	done := make(chan struct{})
	s.inFlight[key] = done
	return done, true
}

func (s *Service) release(key string, done chan struct{}) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
	close(done)
}

func replay(rec *domain.IdempotencyRecord) (*Outcome, error) {
	body, err := annotate(rec.Response, rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Replayed:          true,
		StatusCode:        200,
		Body:              body,
		OriginalTimestamp: rec.CreatedAt,
	}, nil
}

func annotate(cached json.RawMessage, created time.Time) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(cached, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{"response": cached}
	}
	fields["_idempotent"] = json.RawMessage("true")
	ts, err := json.Marshal(created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	fields["_originalTimestamp"] = ts
	return json.Marshal(fields)
}
