// Package lock serializes balance mutations per account.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotAcquired = errors.New("account lock not acquired")

// Locker hands out exclusive per-key locks. The returned release func is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Local is an in-process keyed mutex. Idle keys are dropped.
type Local struct {
	mu   sync.Mutex
	keys map[string]*localKey
}

type localKey struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{keys: make(map[string]*localKey)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.keys[key]
	if !ok {
		k = &localKey{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, k)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			l.drop(key, k)
		})
	}, nil
}

func (l *Local) drop(key string, k *localKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
