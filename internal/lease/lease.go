// Package lease provides named, non-blocking mutual exclusion for background
// work. The Local implementation only excludes callers inside one process;
// running more than one replica of the background drivers requires a shared
// implementation such as store.AdvisoryLocker.
package lease

import (
	"context"
	"sync"
)

// Locker hands out exclusive leases by name. TryAcquire never blocks waiting
// for a holder: ok is false when the lease is taken.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[name]; taken {
		return nil, false, nil
	}
	l.held[name] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether name is currently leased.
func (l *Local) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}

var _ Locker = (*Local)(nil)
