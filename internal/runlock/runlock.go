// Package runlock keeps two matching runs from racing on the same
// repository.
package runlock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrHeld is returned when another run holds the lock.
var ErrHeld = eris.New("runlock: lock held by another run")

// Release frees a lock obtained from TryAcquire.
type Release func(ctx context.Context) error

// Locker grants exclusive named locks without waiting.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker is an in-process Locker for single-node deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates a LocalLocker.
func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
