// Package lock provides the single-writer locks taken around change request
// mutations, either in process or shared through Redis.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrTimeout = errors.New("lock: timed out waiting for lock")

// Locker acquires an exclusive lock for key. The returned function releases
// it and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local serializes holders of the same key inside one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if ok {
		return slot
	}
	slot = make(chan struct{}, 1)
	l.slots[key] = slot
	return slot
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.slot(key)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrTimeout, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}
