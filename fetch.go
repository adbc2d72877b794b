package querycache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/store"
)

// Query returns the data for k.
//
// A fresh entry is served from the store. An entry that is only stale by age
// is served too, and a background refetch starts. An entry with no data, or
// one that was invalidated, waits for a fetch. Concurrent fetches for the same
// key share one producer.
func (c *Coordinator) Query(ctx context.Context, k key.Key, opts ...QueryOption) (any, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	var q queryOptions
	for _, o := range opts {
		o(&q)
	}

	p := c.policy(k.Family())
	prio := p.Priority
	if q.priority != nil {
		prio = *q.priority
	}

	if q.force {
		c.store.Ensure(k, p.entryConfig())
		return c.fetch(ctx, s, k, p, prio)
	}
	return c.read(ctx, s, k, p, prio)
}

// Prefetch loads k through the normal read path, discarding the data.
func (c *Coordinator) Prefetch(ctx context.Context, k key.Key) error {
	_, err := c.Query(ctx, k)
	return err
}

// Subscribe registers an observer for k. Observed entries are never evicted and
// are refetched in the background when invalidated.
func (c *Coordinator) Subscribe(k key.Key, fn store.Listener) *store.Observer {
	return c.store.Subscribe(k, c.policy(k.Family()).entryConfig(), fn)
}

// Entry returns a snapshot of the cached entry for k.
func (c *Coordinator) Entry(k key.Key) (store.Entry, bool) {
	return c.store.Get(k)
}

// SetData writes data for k as if it had just been fetched.
func (c *Coordinator) SetData(k key.Key, data any) {
	c.store.Update(k, c.policy(k.Family()).entryConfig(), func(any, bool) any { return data })
}

// read is Query without the session lookup or options.
func (c *Coordinator) read(ctx context.Context, s *session, k key.Key, p FamilyPolicy, prio Priority) (any, error) {
	e := c.store.Ensure(k, p.entryConfig())
	if e.HasData && !e.Invalidated {
		if e.StaleAt(c.now()) {
			c.refetch(s, k, p, prio)
		}
		return e.Data, nil
	}
	return c.fetch(ctx, s, k, p, prio)
}

func (c *Coordinator) fetch(ctx context.Context, s *session, k key.Key, p FamilyPolicy, prio Priority) (any, error) {
	v, _, err := s.dedupe.Do(ctx, k.String(), func() (any, error) {
		return c.produce(s, k, p, prio)
	})
	return v, err
}

// refetch starts a tracked background fetch for k. Errors stay on the entry.
func (c *Coordinator) refetch(s *session, k key.Key, p FamilyPolicy, prio Priority) {
	s.goBackground(func() {
		if _, err := c.fetch(s.ctx, s, k, p, prio); err != nil && !errors.Is(err, ErrCancelled) {
			c.log.Debug("background refetch failed", Fields{"key": k.String(), "err": err})
		}
	})
}

// produce runs as the single producer for k. It is bound to the session, not to
// any caller, so a waiter giving up never cancels it.
func (c *Coordinator) produce(s *session, k key.Key, p FamilyPolicy, prio Priority) (any, error) {
	id := k.String()
	tok := c.store.BeginFetch(k, p.entryConfig())

	v, err := c.load(s, k, p, prio)
	if err != nil && (s.ctx.Err() != nil || errors.Is(err, batch.ErrClosed)) {
		err = ErrCancelled
	}

	if !c.store.CompleteFetch(k, tok, v, err) {
		c.log.Debug("fetch superseded", Fields{"key": id})
		c.hooks.FetchSuperseded(id)
		return nil, ErrCancelled
	}
	if err != nil {
		c.log.Debug("fetch failed", Fields{"key": id, "err": err})
		c.hooks.FetchFailed(id, err)
		return nil, err
	}
	return v, nil
}

func (c *Coordinator) load(s *session, k key.Key, p FamilyPolicy, prio Priority) (any, error) {
	exec := func(ctx context.Context) (any, error) {
		return s.sched.Execute(ctx, prio, c.retryPolicy(k.String(), p), func(ctx context.Context) (any, error) {
			return c.accessor.Fetch(ctx, k)
		})
	}
	if p.BatchWindow > 0 {
		return s.batch.Do(s.ctx, k.Family(), k, exec)
	}
	return exec(s.ctx)
}
