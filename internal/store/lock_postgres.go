package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/donationledger/internal/lease"
)

// AdvisoryLocker implements lease.Locker with session-level Postgres advisory
// locks, so replicas sharing a database exclude each other. A lease holds one
// pooled connection until it is released; if the connection dies, Postgres
// drops the lock with it.
type AdvisoryLocker struct {
	db *pgxpool.Pool
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	key := lockKey(name)
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock on a fresh context: the caller's may already be cancelled.
			_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
			conn.Release()
		})
	}, true, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

var _ lease.Locker = (*AdvisoryLocker)(nil)
