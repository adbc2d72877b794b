package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/unkn0wn-root/querycache/remote"
)

const (
	defaultBackoffBase    = time.Second
	defaultBackoffCeiling = 30 * time.Second
	defaultTimeout        = 30 * time.Second
)

// Policy controls how a single Execute call is attempted.
// Zero fields resolve to DefaultPolicy for the call's priority.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// ShouldRetry decides, after a failed attempt (1-based), whether to try again.
	ShouldRetry func(attempt int, err error) bool
	// Backoff is the delay before the attempt following attempt.
	Backoff func(attempt int) time.Duration
	// Timeout bounds each attempt; a negative value disables it.
	Timeout time.Duration
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy: 3 attempts (5 for high priority), DefaultShouldRetry,
// exponential backoff from 1s capped at 30s, 30s per-attempt timeout.
func DefaultPolicy(p Priority) Policy {
	attempts := 3
	if p == PriorityHigh {
		attempts = 5
	}
	return Policy{
		MaxAttempts: attempts,
		ShouldRetry: DefaultShouldRetry,
		Backoff:     ExponentialBackoff(defaultBackoffBase, defaultBackoffCeiling),
		Timeout:     defaultTimeout,
	}
}

// NoRetry is the policy used for mutations: one attempt, never repeated.
func NoRetry() Policy {
	return Policy{
		MaxAttempts: 1,
		ShouldRetry: func(int, error) bool { return false },
		Backoff:     func(int) time.Duration { return 0 },
	}
}

func (p Policy) resolve(prio Priority) Policy {
	def := DefaultPolicy(prio)
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = def.ShouldRetry
	}
	if p.Backoff == nil {
		p.Backoff = def.Backoff
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// DefaultShouldRetry never retries client errors (400-499) except 429, and
// never retries offline, cancellation or context errors. Everything else,
// including 5xx and timeouts, is retried.
func DefaultShouldRetry(_ int, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return false
	}
	if status := remote.StatusOf(err); status >= 400 && status < 500 {
		return status == 429
	}
	return true
}

// ExponentialBackoff returns base*2^(attempt-1) plus up to 10% jitter, never
// more than ceiling.
func ExponentialBackoff(base, ceiling time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := float64(base) * math.Pow(2, float64(attempt-1))
		backoff += rand.Float64() * 0.1 * backoff
		if backoff > float64(ceiling) {
			backoff = float64(ceiling)
		}
		return time.Duration(backoff)
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}
