// Package batch groups requests of the same class that arrive within a short
// window and executes them together.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

var (
	// ErrMissing is returned to a waiter whose key is absent from a merged response.
	ErrMissing = errors.New("batch: key missing from merged response")
	// ErrClosed is returned for requests on a closed Batcher.
	ErrClosed = errors.New("batch: closed")
)

type Mode int

const (
	// ModeSequential runs each request's own producer back-to-back.
	ModeSequential Mode = iota
	// ModeMerge issues one FetchMany call for the whole batch.
	ModeMerge
)

func (m Mode) String() string {
	if m == ModeMerge {
		return "merge"
	}
	return "sequential"
}

// ParseMode accepts "sequential" (or empty) and "merge".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sequential":
		return ModeSequential, nil
	case "merge":
		return ModeMerge, nil
	}
	return ModeSequential, fmt.Errorf("unknown batch mode %q", s)
}

type Producer func(ctx context.Context) (any, error)

// FetchMany returns values keyed by key.String().
type FetchMany func(ctx context.Context, keys []key.Key) (map[string]any, error)

type Class struct {
	Window    time.Duration
	Mode      Mode
	MaxSize   int // 0 => unbounded
	FetchMany FetchMany
}

type Options struct {
	OnFlush func(class string, size int, merged bool)
}

type Batcher struct {
	mu       sync.Mutex
	classes  map[string]Class
	open     map[string]*pending // class -> batch still accepting requests
	settling map[string]*waiter  // key id -> waiter of a flushed, unsettled batch
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	onFlush func(string, int, bool)
}

type waiter struct {
	k    key.Key
	id   string
	fn   Producer
	done chan struct{}
	val  any
	err  error
}

type pending struct {
	class   string
	c       Class
	order   []*waiter
	byKey   map[string]*waiter
	timer   *time.Timer
	flushed bool
}

func New(opts Options) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		classes:  make(map[string]Class),
		open:     make(map[string]*pending),
		settling: make(map[string]*waiter),
		ctx:      ctx,
		cancel:   cancel,
		onFlush:  opts.OnFlush,
	}
}

// Register configures a batch class. Merge classes need FetchMany.
func (b *Batcher) Register(class string, c Class) error {
	if c.Window <= 0 {
		return fmt.Errorf("batch: class %q: window must be positive", class)
	}
	if c.Mode == ModeMerge && c.FetchMany == nil {
		return fmt.Errorf("batch: class %q: merge mode requires FetchMany", class)
	}
	b.mu.Lock()
	b.classes[class] = c
	b.mu.Unlock()
	return nil
}

// Registered reports whether class has been registered.
func (b *Batcher) Registered(class string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.classes[class]
	return ok
}

// Do enqueues a request for k in class and waits for its result. Requests for
// an unregistered class run fn directly. fn runs on the Batcher's context, not
// ctx; a caller whose ctx ends stops waiting but the batch carries on.
func (b *Batcher) Do(ctx context.Context, class string, k key.Key, fn Producer) (any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	c, ok := b.classes[class]
	if !ok {
		b.mu.Unlock()
		return fn(ctx)
	}

	id := k.String()
	w, ok := b.settling[id]
	if !ok {
		w = b.enqueue(class, c, k, id, fn)
	}
	b.mu.Unlock()

	select {
	case <-w.done:
		return w.val, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// caller holds b.mu
func (b *Batcher) enqueue(class string, c Class, k key.Key, id string, fn Producer) *waiter {
	p := b.open[class]
	if p == nil {
		p = &pending{class: class, c: c, byKey: make(map[string]*waiter)}
		b.open[class] = p
		p.timer = time.AfterFunc(c.Window, func() { b.flush(p) })
	}
	if w, ok := p.byKey[id]; ok {
		return w
	}
	w := &waiter{k: k, id: id, fn: fn, done: make(chan struct{})}
	p.byKey[id] = w
	p.order = append(p.order, w)
	if c.MaxSize > 0 && len(p.order) >= c.MaxSize {
		p.timer.Stop()
		b.flushLocked(p)
	}
	return w
}

func (b *Batcher) flush(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(p)
}

// caller holds b.mu
func (b *Batcher) flushLocked(p *pending) {
	if p.flushed || b.closed {
		return
	}
	p.flushed = true
	if b.open[p.class] == p {
		delete(b.open, p.class)
	}
	for _, w := range p.order {
		b.settling[w.id] = w
	}
	b.wg.Add(1)
	go b.run(p)
}

func (b *Batcher) run(p *pending) {
	defer b.wg.Done()
	merged := p.c.Mode == ModeMerge
	if b.onFlush != nil {
		b.onFlush(p.class, len(p.order), merged)
	}

	if !merged {
		for _, w := range p.order {
			w.val, w.err = w.fn(b.ctx)
			b.settle(w)
		}
		return
	}

	keys := make([]key.Key, 0, len(p.order))
	seen := make(map[string]bool, len(p.order))
	for _, w := range p.order {
		if !seen[w.id] {
			seen[w.id] = true
			keys = append(keys, w.k)
		}
	}
	res, err := p.c.FetchMany(b.ctx, keys)
	for _, w := range p.order {
		switch v, ok := res[w.id]; {
		case err != nil:
			w.err = err
		case !ok:
			w.err = fmt.Errorf("%w: %s", ErrMissing, w.id)
		default:
			w.val = v
		}
		b.settle(w)
	}
}

// Forget detaches id from any batch it is in. A flushed batch still runs but
// later requests for id no longer attach to it, and a batch still accepting
// requests takes a new waiter for id.
func (b *Batcher) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.settling, id)
	for _, p := range b.open {
		delete(p.byKey, id)
	}
}

func (b *Batcher) settle(w *waiter) {
	b.mu.Lock()
	if b.settling[w.id] == w {
		delete(b.settling, w.id)
	}
	b.mu.Unlock()
	close(w.done)
}

// Close fails every open batch with ErrClosed, cancels the context of running
// batches and waits for them to settle.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var failed []*waiter
	for class, p := range b.open {
		p.timer.Stop()
		p.flushed = true
		failed = append(failed, p.order...)
		delete(b.open, class)
	}
	b.mu.Unlock()

	for _, w := range failed {
		w.err = ErrClosed
		close(w.done)
	}
	b.cancel()
	b.wg.Wait()
}
