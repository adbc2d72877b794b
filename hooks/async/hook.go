// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    RetryEvery:    10, // ~every 10th retry
//	    SelfHealEvery: 10,
//	})
//
//	hooks := asynchook.New(raw, raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := querycache.New(querycache.Options{
//	    Accessor: accessor,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/tier"
)

// Hooks queues events and delivers them from worker goroutines. When the
// queue is full events are dropped, so the read path never blocks on a slow
// hook.
type Hooks struct {
	inner querycache.Hooks
	tier  tier.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.RWMutex
	closed bool
}

var (
	_ querycache.Hooks = (*Hooks)(nil)
	_ tier.Hooks       = (*Hooks)(nil)
)

// New wraps inner (coordinator events) and tierHooks (tier events). Either may
// be nil, in which case its events are discarded.
func New(inner querycache.Hooks, tierHooks tier.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if inner == nil {
		inner = querycache.NopHooks{}
	}
	if tierHooks == nil {
		tierHooks = tier.NopHooks{}
	}

	h := &Hooks{inner: inner, tier: tierHooks, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events sent after Close are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchFailed(k string, err error) { h.try(func() { h.inner.FetchFailed(k, err) }) }
func (h *Hooks) FetchRetried(k string, n int, d time.Duration, err error) {
	h.try(func() { h.inner.FetchRetried(k, n, d, err) })
}
func (h *Hooks) FetchSuperseded(k string) { h.try(func() { h.inner.FetchSuperseded(k) }) }
func (h *Hooks) BatchFlushed(c string, n int, merged bool) {
	h.try(func() { h.inner.BatchFlushed(c, n, merged) })
}
func (h *Hooks) EntryEvicted(k, r string)         { h.try(func() { h.inner.EntryEvicted(k, r) }) }
func (h *Hooks) RulesApplied(ev string, n int)    { h.try(func() { h.inner.RulesApplied(ev, n) }) }
func (h *Hooks) RollbackFailed(k string, e error) { h.try(func() { h.inner.RollbackFailed(k, e) }) }
func (h *Hooks) WarmFailed(k string, err error)   { h.try(func() { h.inner.WarmFailed(k, err) }) }
func (h *Hooks) MutationTransition(id, action string, from, to querycache.MutationState) {
	h.try(func() { h.inner.MutationTransition(id, action, from, to) })
}

func (h *Hooks) SelfHealSingle(k, r string)       { h.try(func() { h.tier.SelfHealSingle(k, r) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.tier.GenBumpError(k, err) }) }
func (h *Hooks) LocalGenWithBulk()                { h.try(func() { h.tier.LocalGenWithBulk() }) }
func (h *Hooks) BulkRejected(ns string, n int, r string) {
	h.try(func() { h.tier.BulkRejected(ns, n, r) })
}
func (h *Hooks) ProviderSetRejected(k string, b bool) {
	h.try(func() { h.tier.ProviderSetRejected(k, b) })
}
func (h *Hooks) GenSnapshotError(n int, err error) {
	h.try(func() { h.tier.GenSnapshotError(n, err) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.tier.InvalidateOutage(k, be, de) })
}
