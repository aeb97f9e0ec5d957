// Package syncx holds the small concurrency primitive the keg layer builds
// its flag-waiting on: a broadcast channel that coalesces any number of
// waiters and disposes of them on context timeout.
package syncx

import (
	"context"
	"sync"
)

// Broadcaster wakes all current waiters every time Broadcast is called.
// Waiters poll a condition, sleep on Watch, and re-check; a context
// deadline ends the wait without leaking the registration.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Broadcast wakes every goroutine currently blocked in Wait.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Watch returns a channel closed at the next Broadcast.
func (b *Broadcaster) Watch() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Wait blocks until cond returns true or ctx is done. cond is evaluated
// under no lock; callers make it safe themselves (typically it reads
// state guarded by the caller's mutex).
func (b *Broadcaster) Wait(ctx context.Context, cond func() bool) error {
	for {
		if cond() {
			return nil
		}
		ch := b.Watch()
		// re-check after registering: Broadcast between the cond call
		// and Watch would otherwise be missed
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
