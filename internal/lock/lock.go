// Package lock provides exclusive, per-key leases used to keep a single
// dispatch run active per campaign.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryAcquire when another holder owns the key.
var ErrLocked = errors.New("lock held by another owner")

// Lease is a held lock. Release is idempotent. Lost is closed if the lease
// is taken away before Release; a nil channel means it cannot be lost.
type Lease interface {
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Locker hands out non-blocking exclusive leases keyed by string.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Lease, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

func NewMemory() *Memory {
	return &Memory{held: map[string]*memoryLease{}}
}

func (m *Memory) TryAcquire(_ context.Context, key string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrLocked
	}
	l := &memoryLease{owner: m, key: key}
	m.held[key] = l
	return l, nil
}

type memoryLease struct {
	owner *Memory
	key   string
	once  sync.Once
}

func (l *memoryLease) Lost() <-chan struct{} { return nil }

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		if l.owner.held[l.key] == l {
			delete(l.owner.held, l.key)
		}
	})
	return nil
}
