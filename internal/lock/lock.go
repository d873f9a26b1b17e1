// Package lock provides short-lived mutual exclusion keyed by name, used to
// guarantee a single unwind per position.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Locker acquires a named lock for at most ttl. The returned unlock func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]entry
	now   func() time.Time
	nextN uint64
}

type entry struct {
	n      uint64
	expiry time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]entry), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expiry) {
		return nil, ErrLockHeld
	}
	l.nextN++
	n := l.nextN
	l.held[key] = entry{n: n, expiry: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// an expired lock may have been taken over
			if e, ok := l.held[key]; ok && e.n == n {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ Locker = (*LocalLocker)(nil)
