package querycache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/querycache/key"
)

// WarmForRole prefetches the role's warm set and returns how many keys were
// loaded. Failures are logged and reported to Hooks.WarmFailed only.
func (c *Coordinator) WarmForRole(ctx context.Context, role string) int {
	s, err := c.session()
	if err != nil {
		return 0
	}
	return c.warmRole(ctx, s, role)
}

// PredictiveWarm prefetches the keys the route is known to need.
func (c *Coordinator) PredictiveWarm(ctx context.Context, route, role string) int {
	s, err := c.session()
	if err != nil {
		return 0
	}
	return c.warmRoute(ctx, s, route, role)
}

func (c *Coordinator) warmRole(ctx context.Context, s *session, role string) int {
	keys := c.roleWarm[role]
	if len(keys) == 0 {
		return 0
	}
	cc := s.context()
	cc.Role = role
	return c.warm(ctx, s, keys, cc)
}

func (c *Coordinator) warmRoute(ctx context.Context, s *session, route, role string) int {
	keys := c.routes[route]
	if len(keys) == 0 {
		return 0
	}
	cc := s.context()
	cc.Role, cc.CurrentRoute = role, route
	return c.warm(ctx, s, keys, cc)
}

func (c *Coordinator) warm(ctx context.Context, s *session, keys []key.Key, cc Context) int {
	vars := cc.vars()
	var warmed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.warmConc)
	for _, k := range keys {
		bound, err := k.Bind(vars)
		if err != nil {
			c.warmFailed(k, err)
			continue
		}
		g.Go(func() error {
			p := c.policy(bound.Family())
			_, err := c.read(gctx, s, bound, p, PriorityLow)
			if err != nil {
				c.warmFailed(bound, err)
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(warmed.Load())
}

func (c *Coordinator) warmFailed(k key.Key, err error) {
	c.log.Warn("warm failed", Fields{"key": k.String(), "err": err})
	c.hooks.WarmFailed(k.String(), err)
}
