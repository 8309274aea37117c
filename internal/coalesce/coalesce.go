package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned to callers when the group was closed while their
// operation was in flight, or before it started.
var ErrClosed = errors.New("coalesce: group closed")

// Group runs at most one operation per key at a time. Concurrent callers for
// the same key share the result of the single execution.
//
// Concurrency notes:
//   - The operation runs on its own goroutine with a context detached from
//     every caller. A caller whose ctx ends stops waiting and returns
//     ctx.Err(); the operation and the other waiters are unaffected.
//   - The in-flight record is removed before done is closed, so a caller
//     resumed by done that calls Do again starts fresh work.
//   - Close cancels the context handed to in-flight operations.
type Group[V any] struct {
	mu     sync.Mutex
	m      map[string]*call[V]
	base   context.Context
	cancel context.CancelFunc
	closed bool
}

type call[V any] struct {
	done    chan struct{} // closed when val/err are published
	val     V
	err     error
	waiters int
}

func New[V any]() *Group[V] {
	base, cancel := context.WithCancel(context.Background())
	return &Group[V]{m: make(map[string]*call[V]), base: base, cancel: cancel}
}

// Do returns the result of fn for key, starting it only when no execution
// for key is in flight. shared reports whether the caller joined an
// execution started by someone else.
//
// fn receives a context that carries the values of the ctx that started the
// execution but none of its cancellation; it is cancelled only by Close.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		var zero V
		return zero, false, ErrClosed
	}
	c, ok := g.m[key]
	if ok {
		c.waiters++
		shared = true
	} else {
		c = &call[V]{done: make(chan struct{}), waiters: 1}
		g.m[key] = c
		opCtx, stop := g.detach(ctx)
		go g.run(opCtx, stop, key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		g.mu.Unlock()
		var zero V
		return zero, shared, ctx.Err()
	}
}

// InFlight reports the number of callers waiting on key's current execution.
func (g *Group[V]) InFlight(key string) (waiters int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.m[key]
	if !ok {
		return 0, false
	}
	return c.waiters, true
}

// Close aborts in-flight operations and rejects new ones.
func (g *Group[V]) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
}

func (g *Group[V]) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unhook := context.AfterFunc(g.base, cancel)
	return opCtx, func() {
		unhook()
		cancel()
	}
}

func (g *Group[V]) run(ctx context.Context, stop context.CancelFunc, key string, c *call[V], fn func(context.Context) (V, error)) {
	defer stop()
	var (
		v   V
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("coalesce: operation for %q panicked: %v", key, r)
			}
		}()
		v, err = fn(ctx)
	}()
	if err == nil && g.base.Err() != nil && ctx.Err() != nil {
		err = ErrClosed
	}

	c.val, c.err = v, err

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	close(c.done)
}
