// Package gitmutex serializes local git subprocess invocations on a single
// checkout. The working tree and index are process-global state; concurrent
// git commands against the same directory corrupt the index or produce
// nondeterministic merge results, so every local git operation in the
// orchestrator must run while holding this lock.
package gitmutex

import (
	"context"
	"fmt"
)

// Mutex is a fair (FIFO), drop-safe exclusive lock. Unlike sync.Mutex it
// queues waiters explicitly so acquisition order matches request order,
// and Do() guarantees release on every exit path including panics.
type Mutex struct {
	tickets chan chan struct{}
	held    chan struct{}
}

// New creates a ready-to-use git mutex.
func New() *Mutex {
	m := &Mutex{
		tickets: make(chan chan struct{}, 4096),
		held:    make(chan struct{}, 1),
	}
	m.held <- struct{}{}
	go m.dispatch()
	return m
}

// dispatch hands the single permit to waiters in the order they queued.
func (m *Mutex) dispatch() {
	for ticket := range m.tickets {
		<-m.held
		ticket <- struct{}{}
	}
}

// acquire enqueues a ticket and blocks until it is granted or ctx is done.
// If ctx is cancelled after enqueueing but before the ticket is granted, the
// ticket is still consumed by dispatch(); acquire then returns a nil release
// with ctx's error, and a background goroutine receives the ticket and hands
// the permit straight back.
func (m *Mutex) acquire(ctx context.Context) (func(), error) {
	ticket := make(chan struct{}, 1)
	select {
	case m.tickets <- ticket:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-ticket:
		return func() { m.held <- struct{}{} }, nil
	case <-ctx.Done():
		// The ticket may still be granted later by dispatch(); drain it
		// asynchronously so dispatch() never blocks forever and the permit
		// is returned promptly instead of being leaked.
		go func() {
			<-ticket
			m.held <- struct{}{}
		}()
		return nil, ctx.Err()
	}
}

// Do runs fn while holding the mutex, releasing it on every return path
// (including a panic propagating out of fn).
func (m *Mutex) Do(ctx context.Context, fn func() error) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return fmt.Errorf("gitmutex: acquire: %w", err)
	}
	defer release()
	return fn()
}
