package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Keyed.Lock after Close.
var ErrClosed = errors.New("keyed lock closed")

// Keyed serializes work per conversation id. Different keys never block each
// other.
type Keyed struct {
	mu     sync.Mutex
	held   map[int64]chan struct{}
	closed bool
}

// NewKeyed creates an empty keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{held: make(map[int64]chan struct{})}
}

// Lock waits until key is free or ctx is done. The returned unlock func is
// safe to call more than once.
func (k *Keyed) Lock(ctx context.Context, key int64) (func(), error) {
	for {
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			return nil, ErrClosed
		}
		wait, busy := k.held[key]
		if !busy {
			unlock := k.take(key)
			k.mu.Unlock()
			return unlock, nil
		}
		k.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether key is currently locked.
func (k *Keyed) Held(key int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, busy := k.held[key]
	return busy
}

// Close makes every later Lock fail. Current holders keep their keys.
func (k *Keyed) Close() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
}

// take must be called with k.mu held.
func (k *Keyed) take(key int64) func() {
	ch := make(chan struct{})
	k.held[key] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
			close(ch)
		})
	}
}
