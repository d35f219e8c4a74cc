package tiered_storage

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyFence serializes short critical sections on a single key: the access
// layer's Put and Delete, the cold delete purger, and the engine's final
// hot delete. Each key gets its own lock, so distinct keys never wait on
// each other.
type KeyFence struct {
	mu    sync.Mutex
	locks map[string]*fenceLock
}

type fenceLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyFence() *KeyFence {
	return &KeyFence{locks: make(map[string]*fenceLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and is safe to call more than once.
func (f *KeyFence) Lock(ctx context.Context, key string) (func(), error) {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &fenceLock{sem: semaphore.NewWeighted(1)}
		f.locks[key] = l
	}
	l.refs++
	f.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		f.unref(key, l)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			f.unref(key, l)
		})
	}, nil
}

func (f *KeyFence) unref(key string, l *fenceLock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(f.locks, key)
	}
}
