package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/donationledger/internal/domain"
)

// FileTransactionStore keeps every transaction in memory and rewrites the
// whole collection to a JSON file on each mutation. Writes are O(n) in the
// number of records, so it suits modest volumes only; PostgresTransactionStore
// is the per-record alternative.
type FileTransactionStore struct {
	mu      sync.Mutex
	path    string
	records []domain.Transaction
	byID    map[string]int
	byKey   map[string]int
	now     func() time.Time
}

// OpenTransactionStore loads path if it exists. An empty path keeps the store
// in memory only.
func OpenTransactionStore(path string) (*FileTransactionStore, error) {
	s := &FileTransactionStore{
		path:  path,
		byID:  make(map[string]int),
		byKey: make(map[string]int),
		now:   time.Now,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transactions file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, fmt.Errorf("decode transactions file: %w", err)
		}
	}
	s.reindex()
	return s, nil
}

// SetClock replaces the time source. Tests only.
func (s *FileTransactionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *FileTransactionStore) reindex() {
	s.byID = make(map[string]int, len(s.records))
	s.byKey = make(map[string]int)
	for i, t := range s.records {
		s.byID[t.ID] = i
		if t.IdempotencyKey != "" {
			s.byKey[t.IdempotencyKey] = i
		}
	}
}

// Create appends tx in its initial state. When another record already holds
// tx.IdempotencyKey that record is returned unchanged.
func (s *FileTransactionStore) Create(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if i, ok := s.byKey[tx.IdempotencyKey]; ok {
			existing := s.records[i]
			return &existing, nil
		}
	}

	rec, err := prepareCreate(tx, s.now())
	if err != nil {
		return nil, err
	}

	s.records = append(s.records, rec)
	if err := s.persistLocked(); err != nil {
		s.records = s.records[:len(s.records)-1]
		return nil, err
	}
	s.byID[rec.ID] = len(s.records) - 1
	if rec.IdempotencyKey != "" {
		s.byKey[rec.IdempotencyKey] = len(s.records) - 1
	}
	return &rec, nil
}

// UpdateStatus validates and applies a transition. On any error the stored
// record is left as it was.
func (s *FileTransactionStore) UpdateStatus(_ context.Context, id string, status domain.Status, meta domain.LedgerMeta) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "transaction", ID: id}
	}

	prev := s.records[i]
	next, err := applyTransition(prev, status, meta, s.now())
	if err != nil {
		return nil, err
	}

	s.records[i] = next
	if err := s.persistLocked(); err != nil {
		s.records[i] = prev
		return nil, err
	}
	return &next, nil
}

// GetByStatus returns every transaction in one of statuses, in creation order.
func (s *FileTransactionStore) GetByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Transaction, error) {
	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		n, err := domain.NormalizeStatus(string(st))
		if err != nil {
			return nil, err
		}
		want[n] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Transaction
	for _, t := range s.records {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FileTransactionStore) GetByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "transaction", ID: id}
	}
	t := s.records[i]
	return &t, nil
}

func (s *FileTransactionStore) GetByExternalRef(_ context.Context, ref string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.records {
		if ref != "" && t.ExternalRef == ref {
			return &t, nil
		}
	}
	return nil, &domain.NotFoundError{Resource: "transaction", ID: ref}
}

// persistLocked rewrites the full collection through a temp file and rename
// so a crash never leaves a truncated file behind. Callers hold s.mu.
func (s *FileTransactionStore) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transactions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".transactions-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write transactions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync transactions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close transactions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace transactions file: %w", err)
	}
	return nil
}

// prepareCreate normalizes and validates a new record and stamps its id and
// timestamps.
func prepareCreate(tx domain.Transaction, now time.Time) (domain.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return domain.Transaction{}, err
	}

	status := domain.StatusPending
	if tx.Status != "" {
		n, err := domain.NormalizeStatus(string(tx.Status))
		if err != nil {
			return domain.Transaction{}, err
		}
		status = n
	}

	tx.ID = uuid.New().String()
	tx.Status = status
	tx.CreatedAt = now
	tx.StatusUpdatedAt = now
	return tx, nil
}

// applyTransition returns prev moved to status with meta merged in.
func applyTransition(prev domain.Transaction, status domain.Status, meta domain.LedgerMeta, now time.Time) (domain.Transaction, error) {
	from, err := domain.NormalizeStatus(string(prev.Status))
	if err != nil {
		return prev, err
	}
	to, err := domain.NormalizeStatus(string(status))
	if err != nil {
		return prev, err
	}
	if err := domain.AssertValidTransition(from, to); err != nil {
		return prev, err
	}

	next := prev
	next.Status = to
	next.StatusUpdatedAt = advanceTimestamp(prev.StatusUpdatedAt, now)
	if meta.ExternalRef != "" {
		next.ExternalRef = meta.ExternalRef
	}
	if meta.LedgerSequence != nil {
		seq := *meta.LedgerSequence
		next.LedgerSequence = &seq
	}
	if meta.ConfirmedAt != nil {
		at := *meta.ConfirmedAt
		next.ConfirmedAt = &at
	}
	return next, nil
}

// advanceTimestamp keeps StatusUpdatedAt strictly increasing even when the
// clock has not moved or went backwards.
func advanceTimestamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}
