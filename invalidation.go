package querycache

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/remote"
)

// Rule declares which keys an event affects. Keys are exact (after binding
// context placeholders); Match selects among cached keys. When, if set,
// filters on the mutation result payload.
type Rule struct {
	Name  string
	Event string
	Keys  []key.Key
	Match func(key.Key) bool
	When  func(payload any) bool
	// Evict removes the affected entries instead of marking them stale.
	Evict bool
}

// FamilyMatcher matches keys whose Family is one of families.
func FamilyMatcher(families ...string) func(key.Key) bool {
	set := make(map[string]struct{}, len(families))
	for _, f := range families {
		set[f] = struct{}{}
	}
	return func(k key.Key) bool {
		_, ok := set[k.Family()]
		return ok
	}
}

// PrefixMatcher matches keys starting with any of prefixes.
func PrefixMatcher(prefixes ...key.Key) func(key.Key) bool {
	return func(k key.Key) bool {
		for _, p := range prefixes {
			if k.HasPrefix(p) {
				return true
			}
		}
		return false
	}
}

// RegisterRule appends r; rules for an event run in registration order.
func (c *Coordinator) RegisterRule(r Rule) error {
	if r.Event == "" {
		return fmt.Errorf("querycache: rule %q: event is required", r.Name)
	}
	if len(r.Keys) == 0 && r.Match == nil {
		return fmt.Errorf("querycache: rule %q: keys or match is required", r.Name)
	}
	c.rulesMu.Lock()
	c.rules = append(c.rules, r)
	c.rulesMu.Unlock()
	return nil
}

// Invalidate marks k stale without dropping its data. The next read waits for
// a refetch; an observed entry is refetched right away.
func (c *Coordinator) Invalidate(ctx context.Context, k key.Key) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	c.invalidateKeys(ctx, s, []key.Key{k})
	return nil
}

// Evict removes k from the store.
func (c *Coordinator) Evict(ctx context.Context, k key.Key) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	c.evictKeys(ctx, s, []key.Key{k})
	return nil
}

// ApplyRules runs the rules registered for event against payload and returns
// the affected keys. Applying the same event twice is harmless.
func (c *Coordinator) ApplyRules(ctx context.Context, event string, payload any) ([]key.Key, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	return c.applyRules(ctx, s, event, payload), nil
}

func (c *Coordinator) applyRules(ctx context.Context, s *session, event string, payload any) []key.Key {
	c.rulesMu.RLock()
	rules := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.Event == event {
			rules = append(rules, r)
		}
	}
	c.rulesMu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	vars := s.context().vars()
	seen := make(map[string]int) // key id -> index in affected
	var affected []key.Key
	var evict []bool
	add := func(k key.Key, ev bool) {
		id := k.String()
		if i, ok := seen[id]; ok {
			evict[i] = evict[i] || ev
			return
		}
		seen[id] = len(affected)
		affected = append(affected, k)
		evict = append(evict, ev)
	}

	for _, r := range rules {
		if r.When != nil && !r.When(payload) {
			continue
		}
		for _, k := range r.Keys {
			bound, err := k.Bind(vars)
			if err != nil {
				c.log.Warn("rule key not bound", Fields{"rule": r.Name, "key": k.String(), "err": err})
				continue
			}
			add(bound, r.Evict)
		}
		if r.Match != nil {
			for _, k := range c.store.Match(r.Match) {
				add(k, r.Evict)
			}
		}
	}

	var stale, gone []key.Key
	for i, k := range affected {
		if evict[i] {
			gone = append(gone, k)
		} else {
			stale = append(stale, k)
		}
	}
	c.invalidateKeys(ctx, s, stale)
	c.evictKeys(ctx, s, gone)

	c.log.Debug("rules applied", Fields{"event": event, "keys": len(affected)})
	c.hooks.RulesApplied(event, len(affected))
	return affected
}

func (c *Coordinator) invalidateMatching(ctx context.Context, s *session, pred func(key.Key) bool) {
	c.invalidateKeys(ctx, s, c.store.Match(pred))
}

func (c *Coordinator) invalidateKeys(ctx context.Context, s *session, keys []key.Key) {
	for _, k := range keys {
		if !c.store.Invalidate(k) {
			continue
		}
		if e, ok := c.store.Get(k); ok && e.Observers > 0 {
			p := c.policy(k.Family())
			c.refetch(s, k, p, p.Priority)
		}
	}
	c.forward(ctx, "invalidate", keys)
}

func (c *Coordinator) evictKeys(ctx context.Context, s *session, keys []key.Key) {
	for _, k := range keys {
		c.supersede(s, k)
		c.store.Remove(k)
	}
	c.forward(ctx, "evict", keys)
}

// forward propagates invalidations to an accessor that keeps its own copy of
// the data. Failures are logged only.
func (c *Coordinator) forward(ctx context.Context, op string, keys []key.Key) {
	inv, ok := c.accessor.(remote.Invalidator)
	if !ok || len(keys) == 0 {
		return
	}
	var merr *multierror.Error
	for _, k := range keys {
		if err := inv.Invalidate(ctx, k); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		c.log.Warn("accessor invalidation failed", Fields{"op": op, "keys": len(keys), "err": err})
	}
}
