// Package dedupe collapses concurrent identical requests into one producer call.
package dedupe

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Func produces the shared result. It is not bound to any waiter's context.
type Func func() (any, error)

// Group guarantees at most one concurrent Func per key.
type Group struct {
	sf singleflight.Group

	mu       sync.Mutex
	inflight map[string]int
}

func New() *Group {
	return &Group{inflight: make(map[string]int)}
}

// Do runs fn for key unless a call for key is already in flight, in which case
// the caller attaches to it. All attached callers receive the same value or
// error. A caller whose ctx ends returns ctx.Err(); the producer keeps running
// for everyone else.
func (g *Group) Do(ctx context.Context, key string, fn Func) (v any, shared bool, err error) {
	ch := g.sf.DoChan(key, func() (any, error) {
		g.track(key, 1)
		defer g.track(key, -1)
		return fn()
	})
	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget detaches the in-flight call for key: its current waiters still get
// its result, but the next Do starts a new producer.
func (g *Group) Forget(key string) {
	g.sf.Forget(key)
}

// InFlight returns the number of producers currently running.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.inflight {
		n += c
	}
	return n
}

func (g *Group) track(key string, d int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight[key] += d
	if g.inflight[key] <= 0 {
		delete(g.inflight, key)
	}
}
