package custody

import (
	"context"
	"fmt"
	"sync"
)

// Lock guards custody movements. A second Acquire on a held key fails with
// ErrReentrant instead of waiting, so a transfer callback that re-enters the
// custodian is rejected rather than deadlocking.
type Lock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLock is a process-local Lock.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]struct{})}
}

func (l *LocalLock) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s already held", ErrReentrant, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *LocalLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy
}
