package querycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/dedupe"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/refresh"
	"github.com/unkn0wn-root/querycache/remote"
	"github.com/unkn0wn-root/querycache/scheduler"
	"github.com/unkn0wn-root/querycache/store"
)

const (
	defaultWarmConcurrency = 4
	familyRefreshPrefix    = "family:"
)

// Coordinator composes the store, deduplicator, batcher, scheduler and refresh
// registry behind one read/mutation API. All work happens inside a session
// opened by Initialize and closed by Shutdown.
type Coordinator struct {
	accessor remote.Accessor
	policies map[string]FamilyPolicy
	defPol   FamilyPolicy
	roleWarm map[string][]key.Key
	routes   map[string][]key.Key
	specs    []RefreshSpec
	network  scheduler.Network
	maxConc  int64
	warmConc int
	snap     Snapshotter
	log      Logger
	hooks    Hooks
	now      func() time.Time

	store *store.Store

	rulesMu sync.RWMutex
	rules   []Rule

	mu   sync.RWMutex
	sess *session
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sched   *scheduler.Scheduler
	batch   *batch.Batcher
	dedupe  *dedupe.Group
	refresh *refresh.Registry

	mu        sync.Mutex
	cctx      Context
	closed    bool
	wg        sync.WaitGroup
	refreshes map[string]bool // RefreshSpec names currently started
}

func newCoordinator(opts Options) (*Coordinator, error) {
	c := &Coordinator{
		accessor: opts.Accessor,
		policies: opts.Policies,
		defPol:   opts.DefaultPolicy,
		roleWarm: opts.RoleWarm,
		routes:   opts.RouteWarm,
		specs:    opts.Refreshes,
		network:  opts.Network,
		maxConc:  opts.MaxConcurrent,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.snap = coalesce[Snapshotter](opts.Snapshotter, RefSnapshotter{})
	c.warmConc = coalesce(opts.WarmConcurrency, defaultWarmConcurrency)
	c.now = opts.Now
	if c.now == nil {
		c.now = time.Now
	}
	if c.policies == nil {
		c.policies = make(map[string]FamilyPolicy)
	}

	c.store = store.New(store.Options{
		Now: c.now,
		OnEvict: func(k key.Key, reason string) {
			c.log.Debug("entry evicted", Fields{"key": k.String(), "reason": reason})
			c.hooks.EntryEvicted(k.String(), reason)
		},
	})

	for _, r := range opts.Rules {
		if err := c.RegisterRule(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Initialize opens a session for cc: it registers batch classes and family
// refreshes, starts the refreshes scoped to cc.Role and warms the role's keys
// (and the current route's) in the background.
func (c *Coordinator) Initialize(ctx context.Context, cc Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyInitialized
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:       sctx,
		cancel:    cancel,
		sched:     scheduler.New(scheduler.Options{Network: c.network, MaxConcurrent: c.maxConc}),
		dedupe:    dedupe.New(),
		refresh:   refresh.New(),
		cctx:      cc,
		refreshes: make(map[string]bool),
	}
	s.batch = batch.New(batch.Options{OnFlush: func(class string, size int, merged bool) {
		c.log.Debug("batch flushed", Fields{"class": class, "size": size, "merged": merged})
		c.hooks.BatchFlushed(class, size, merged)
	}})

	for fam, p := range c.policies {
		if p.BatchWindow > 0 {
			if err := c.registerBatch(s, fam, p); err != nil {
				c.teardown(s)
				return err
			}
		}
		if p.RefetchInterval > 0 {
			fam := fam
			err := s.refresh.Start(familyRefreshPrefix+fam, p.RefetchInterval, func(ctx context.Context) {
				c.invalidateMatching(ctx, s, func(k key.Key) bool { return k.Family() == fam })
			})
			if err != nil {
				c.teardown(s)
				return err
			}
		}
	}
	if err := c.reconcileRefreshes(s, cc.Role); err != nil {
		c.teardown(s)
		return err
	}

	c.sess = s
	c.log.Info("coordinator initialized", Fields{"user": cc.UserID, "role": cc.Role, "org": cc.OrganizationID})

	s.goBackground(func() {
		c.warmRole(s.ctx, s, cc.Role)
		if cc.CurrentRoute != "" {
			c.warmRoute(s.ctx, s, cc.CurrentRoute, cc.Role)
		}
	})
	return nil
}

func (c *Coordinator) registerBatch(s *session, fam string, p FamilyPolicy) error {
	cl := batch.Class{Window: p.BatchWindow, Mode: p.BatchMode, MaxSize: p.BatchMaxSize}
	if p.BatchMode == batch.ModeMerge {
		ba, _ := c.accessor.(remote.BatchAccessor) // checked by New
		cl.FetchMany = func(ctx context.Context, keys []key.Key) (map[string]any, error) {
			v, err := s.sched.Execute(ctx, p.Priority, c.retryPolicy(fam, p), func(ctx context.Context) (any, error) {
				return ba.FetchMany(ctx, keys)
			})
			if err != nil {
				return nil, err
			}
			m, _ := v.(map[string]any)
			return m, nil
		}
	}
	return s.batch.Register(fam, cl)
}

// reconcileRefreshes starts the RefreshSpecs that apply to role and stops the
// ones that no longer do. Family refreshes are left alone.
func (c *Coordinator) reconcileRefreshes(s *session, role string) error {
	for _, spec := range c.specs {
		spec := spec
		s.mu.Lock()
		running, closed := s.refreshes[spec.Name], s.closed
		s.mu.Unlock()
		if closed {
			return ErrNotInitialized
		}

		want := spec.appliesTo(role)
		switch {
		case want && !running:
			err := s.refresh.Start(spec.Name, spec.Interval, func(ctx context.Context) {
				c.runRefreshSpec(ctx, s, spec)
			})
			if errors.Is(err, refresh.ErrClosed) {
				return ErrNotInitialized
			}
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.refreshes[spec.Name] = true
			s.mu.Unlock()
		case !want && running:
			s.refresh.Stop(spec.Name)
			s.mu.Lock()
			delete(s.refreshes, spec.Name)
			s.mu.Unlock()
		}
	}
	return nil
}

func (c *Coordinator) runRefreshSpec(ctx context.Context, s *session, spec RefreshSpec) {
	vars := s.context().vars()
	keys := make([]key.Key, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		bound, err := k.Bind(vars)
		if err != nil {
			c.log.Warn("refresh key not bound", Fields{"refresh": spec.Name, "key": k.String(), "err": err})
			continue
		}
		keys = append(keys, bound)
	}
	c.invalidateKeys(ctx, s, keys)
	if len(spec.Families) > 0 {
		c.invalidateMatching(ctx, s, FamilyMatcher(spec.Families...))
	}
}

// UpdateContext applies patch to the session context. A route change warms the
// new route; a role change reconciles role-scoped refreshes and warms the
// role's keys. Nothing else is restarted.
func (c *Coordinator) UpdateContext(ctx context.Context, patch ContextPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := c.session()
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cctx
	next := patch.apply(prev)
	s.cctx = next
	s.mu.Unlock()

	if next.Role != prev.Role {
		if err := c.reconcileRefreshes(s, next.Role); err != nil {
			return err
		}
		s.goBackground(func() { c.warmRole(s.ctx, s, next.Role) })
	}
	if next.CurrentRoute != prev.CurrentRoute && next.CurrentRoute != "" {
		s.goBackground(func() { c.warmRoute(s.ctx, s, next.CurrentRoute, next.Role) })
	}
	return nil
}

// Context returns the session context (zero outside a session).
func (c *Coordinator) Context() Context {
	s, err := c.session()
	if err != nil {
		return Context{}
	}
	return s.context()
}

// Shutdown stops every refresh, closes the scheduler and batcher, cancels
// in-flight fetches, waits for background work and clears the store. If ctx
// ends first, Shutdown returns ctx.Err() with the session already closed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return ErrNotInitialized
	}

	err := c.teardownCtx(ctx, s)
	c.store.Clear()
	c.log.Info("coordinator shut down", Fields{"user": s.context().UserID})
	return err
}

func (c *Coordinator) teardown(s *session) { _ = c.teardownCtx(context.Background(), s) }

func (c *Coordinator) teardownCtx(ctx context.Context, s *session) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.refresh.StopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sched.Close()
		s.batch.Close()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningRefreshes lists the active background refreshes.
func (c *Coordinator) RunningRefreshes() []string {
	s, err := c.session()
	if err != nil {
		return nil
	}
	return s.refresh.Running()
}

func (c *Coordinator) session() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil, ErrNotInitialized
	}
	return c.sess, nil
}

func (c *Coordinator) policy(family string) FamilyPolicy {
	p, ok := c.policies[family]
	if !ok {
		p = c.defPol
	}
	p.Snapshotter = coalesce(p.Snapshotter, c.snap)
	return p
}

func (c *Coordinator) retryPolicy(id string, p FamilyPolicy) scheduler.Policy {
	pol := p.Retry
	user := pol.OnRetry
	pol.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.log.Debug("fetch retry", Fields{"key": id, "attempt": attempt, "delay": delay, "err": err})
		c.hooks.FetchRetried(id, attempt, delay, err)
		if user != nil {
			user(attempt, err, delay)
		}
	}
	return pol
}

func (s *session) context() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cctx
}

// goBackground runs fn tracked by the session; it is a no-op once the session
// is closing.
func (s *session) goBackground(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}
