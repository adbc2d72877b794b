// Package scheduler executes remote calls with priority-aware retry, backoff,
// per-attempt timeouts and network awareness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrNetworkUnavailable is returned for non-high priority work while offline.
	ErrNetworkUnavailable = errors.New("querycache: network unavailable")
	// ErrCancelled is returned when work is superseded or the scheduler closes.
	ErrCancelled = errors.New("querycache: cancelled")
	// ErrTimeout is returned when one attempt exceeds Policy.Timeout.
	ErrTimeout = errors.New("querycache: attempt timed out")
)

// Priority orders remote calls. The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority accepts "low", "normal" and "high" (empty => normal).
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Func is one attempt of a remote call.
type Func func(ctx context.Context) (any, error)

// Network reports connectivity.
type Network interface {
	Online() bool
}

// Switch is a settable Network.
type Switch struct{ online atomic.Bool }

func NewNetwork(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

func (s *Switch) Online() bool      { return s.online.Load() }
func (s *Switch) SetOnline(on bool) { s.online.Store(on) }

type Options struct {
	Network Network // nil => always online
	// MaxConcurrent bounds concurrent non-high executions; 0 => unbounded.
	MaxConcurrent int64
}

type Scheduler struct {
	network Network
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func New(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{network: opts.Network, ctx: ctx, cancel: cancel}
	if s.network == nil {
		s.network = NewNetwork(true)
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return s
}

// Execute runs fn under pol, retrying failed attempts as the policy allows.
// While offline, non-high priority calls fail immediately with
// ErrNetworkUnavailable instead of queuing.
func (s *Scheduler) Execute(ctx context.Context, prio Priority, pol Policy, fn Func) (any, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrCancelled
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	pol = pol.resolve(prio)

	// the call ends when either the caller or the scheduler gives up
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(s.ctx, stop)
	defer unlink()

	if prio != PriorityHigh && !s.network.Online() {
		return nil, ErrNetworkUnavailable
	}

	if s.sem != nil && prio != PriorityHigh {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, s.ctxErr(err)
		}
		defer s.sem.Release(1)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		v, err := s.attempt(ctx, pol.Timeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if s.ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= pol.MaxAttempts || !pol.ShouldRetry(attempt, err) {
			return nil, lastErr
		}

		delay := pol.Backoff(attempt)
		if pol.OnRetry != nil {
			pol.OnRetry(attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, s.ctxErr(ctx.Err())
		case <-t.C:
		}
		if prio != PriorityHigh && !s.network.Online() {
			return nil, ErrNetworkUnavailable
		}
	}
}

// attempt runs fn and returns when it does, when timeout elapses or when ctx
// ends, whichever is first. A fn that ignores its context is left running in
// the background and its result is dropped.
func (s *Scheduler) attempt(ctx context.Context, timeout time.Duration, fn Func) (any, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout >= 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(actx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, r.err)
		}
		return r.v, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, actx.Err())
	}
}

func (s *Scheduler) ctxErr(err error) error {
	if s.ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// Close cancels pending backoff waits, queued executions and running attempts,
// then waits for every Execute call to return. Later calls to Execute fail
// with ErrCancelled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
