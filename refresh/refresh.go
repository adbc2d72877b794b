// Package refresh runs named periodic tasks.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned by Start after StopAll.
var ErrClosed = errors.New("refresh: registry closed")

// Task runs once per tick. Its context is cancelled when the refresh stops.
type Task func(ctx context.Context)

type Registry struct {
	mu      sync.Mutex
	running map[string]*ticker
	closed  bool
}

type ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New() *Registry {
	return &Registry{running: make(map[string]*ticker)}
}

// Start runs task every interval under name. An existing refresh with the same
// name is stopped first.
func (r *Registry) Start(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("refresh %q: interval must be positive, got %s", name, interval)
	}
	if task == nil {
		return fmt.Errorf("refresh %q: nil task", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ticker{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("refresh %q: %w", name, ErrClosed)
	}
	old := r.running[name]
	r.running[name] = t
	r.mu.Unlock()
	old.stop()

	go t.loop(ctx, interval, task)
	return nil
}

func (t *ticker) loop(ctx context.Context, interval time.Duration, task Task) {
	defer close(t.done)
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			task(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// stop cancels the loop and waits for an in-progress tick to return.
func (t *ticker) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Stop ends the named refresh; it reports whether one was running.
func (r *Registry) Stop(name string) bool {
	r.mu.Lock()
	t, ok := r.running[name]
	delete(r.running, name)
	r.mu.Unlock()
	t.stop()
	return ok
}

// StopAll ends every refresh and closes the registry; later Starts fail with
// ErrClosed.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closed = true
	all := r.running
	r.running = make(map[string]*ticker)
	r.mu.Unlock()
	for _, t := range all {
		t.stop()
	}
}

// Running returns the names of active refreshes, sorted.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for name := range r.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
