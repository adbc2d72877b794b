package genstore

import (
	"context"
	"sync"
	"time"
)

type LocalOptions struct {
	// PruneInterval > 0 together with Retention > 0 starts a pruning loop.
	PruneInterval time.Duration
	// Retention is how long a generation survives without a bump. A pruned
	// key reads as generation 0, which invalidates entries written after it.
	Retention time.Duration
	Now       func() time.Time
}

type localGen struct {
	gen     uint64
	touched time.Time
}

// Local keeps generations in process. It is the default Store and fits a
// tier that is private to one process.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localGen
	opts LocalOptions

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ Store = (*Local)(nil)

func NewLocal(opts LocalOptions) *Local {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Local{gens: make(map[string]localGen), opts: opts}
	if opts.PruneInterval > 0 && opts.Retention > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.loop()
	}
	return s
}

func (s *Local) loop() {
	defer close(s.done)
	t := time.NewTicker(s.opts.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Prune()
		case <-s.stop:
			return
		}
	}
}

func (s *Local) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[k].gen
	s.mu.RUnlock()
	return g, nil
}

func (s *Local) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	for _, k := range ks {
		out[k] = s.gens[k].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, k string) (uint64, error) {
	now := s.opts.Now()
	s.mu.Lock()
	g := s.gens[k]
	g.gen++
	g.touched = now
	s.gens[k] = g
	s.mu.Unlock()
	return g.gen, nil
}

// Prune drops generations untouched for longer than Retention and returns
// how many were dropped.
func (s *Local) Prune() int {
	if s.opts.Retention <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	n := 0
	s.mu.Lock()
	for k, g := range s.gens {
		if g.touched.Before(cutoff) {
			delete(s.gens, k)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

func (s *Local) Close(context.Context) error {
	if s.stop == nil {
		return nil
	}
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
