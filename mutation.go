package querycache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/scheduler"
)

type MutationState int

const (
	MutationIdle MutationState = iota
	MutationSnapshotting
	MutationApplied
	MutationCommitted
	MutationRolledBack
)

func (s MutationState) String() string {
	switch s {
	case MutationSnapshotting:
		return "snapshotting"
	case MutationApplied:
		return "applied"
	case MutationCommitted:
		return "committed"
	case MutationRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Mutation describes one write. With Target and Update set it is optimistic:
// Update is applied to the cached data before the remote call and undone if
// the call fails.
type Mutation struct {
	Action  string
	Payload any
	// Event selects the invalidation rules fired on success; "" => Action.
	Event string

	Target key.Key
	// Update must be pure: it receives the current data (nil when absent).
	Update func(old any) any
	// Commit, if set, maps the remote result to the value stored under Target.
	Commit func(result any) any

	Priority Priority
	Timeout  time.Duration // per call; 0 => scheduler default
}

// Snapshotter saves entry data before an optimistic write and restores it on
// rollback. Save runs while the store is locked and must not block on other
// cache operations.
type Snapshotter interface {
	Save(data any) (any, error)
	Restore(saved any) (any, error)
}

// RefSnapshotter keeps the data reference as is. It relies on Update being pure
// (never mutating old in place).
type RefSnapshotter struct{}

func (RefSnapshotter) Save(data any) (any, error)     { return data, nil }
func (RefSnapshotter) Restore(saved any) (any, error) { return saved, nil }

// CodecSnapshotter stores an encoded deep copy. A decode failure on restore
// evicts the entry and surfaces as *RollbackError.
type CodecSnapshotter[V any] struct {
	Codec codec.Codec[V]
}

func (s CodecSnapshotter[V]) Save(data any) (any, error) {
	v, ok := data.(V)
	if !ok {
		var zero V
		return nil, fmt.Errorf("snapshot: data is %T, want %T", data, zero)
	}
	return s.Codec.Encode(v)
}

func (s CodecSnapshotter[V]) Restore(saved any) (any, error) {
	b, ok := saved.([]byte)
	if !ok {
		return nil, fmt.Errorf("snapshot: saved state is %T, want []byte", saved)
	}
	return s.Codec.Decode(b)
}

var (
	_ Snapshotter = RefSnapshotter{}
	_ Snapshotter = CodecSnapshotter[int]{}
)

type snapshot struct {
	saved any
	has   bool
}

// Mutate performs m. The remote call is attempted exactly once.
//
// On success the optional Commit value is written to Target and the rules for
// m's event fire once with the result as payload. On failure the snapshot is
// restored, no rules fire and the error is returned. If the snapshot cannot be
// restored the entry is evicted and a *RollbackError is returned.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (any, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	state := MutationIdle
	move := func(to MutationState) {
		c.log.Debug("mutation transition", Fields{"id": id, "action": m.Action, "from": state.String(), "to": to.String()})
		c.hooks.MutationTransition(id, m.Action, state, to)
		state = to
	}

	optimistic := m.Target != nil && m.Update != nil
	var (
		p    FamilyPolicy
		snap snapshot
	)
	if m.Target != nil {
		p = c.policy(m.Target.Family())
	}
	if optimistic {
		move(MutationSnapshotting)
		c.supersede(s, m.Target)

		// snapshot and apply in one step, so a concurrent mutation on the same
		// key snapshots this one's applied data
		_, err := c.store.Swap(m.Target, p.entryConfig(), func(old any, has bool) (any, error) {
			if has {
				saved, err := p.Snapshotter.Save(old)
				if err != nil {
					return nil, err
				}
				snap = snapshot{saved: saved, has: true}
			}
			return m.Update(old), nil
		})
		if err != nil {
			move(MutationRolledBack)
			return nil, fmt.Errorf("querycache: snapshot %s: %w", m.Target, err)
		}
		move(MutationApplied)
	}

	pol := scheduler.NoRetry()
	pol.Timeout = m.Timeout
	res, err := s.sched.Execute(ctx, m.Priority, pol, func(ctx context.Context) (any, error) {
		return c.accessor.Mutate(ctx, m.Action, m.Payload)
	})
	if err != nil {
		if optimistic {
			if rerr := c.rollback(s, m.Target, p, snap); rerr != nil {
				move(MutationRolledBack)
				return nil, &RollbackError{Key: m.Target.String(), Cause: err, RestoreErr: rerr}
			}
		}
		move(MutationRolledBack)
		return nil, err
	}

	if m.Commit != nil && m.Target != nil {
		c.supersede(s, m.Target)
		c.store.Update(m.Target, p.entryConfig(), func(any, bool) any { return m.Commit(res) })
	}
	move(MutationCommitted)

	event := coalesce(m.Event, m.Action)
	c.applyRules(ctx, s, event, res)
	return res, nil
}

// supersede discards the result of any fetch in flight for k; its waiters get
// ErrCancelled and the next read starts a new fetch.
func (c *Coordinator) supersede(s *session, k key.Key) {
	c.store.CancelFetch(k)
	s.dedupe.Forget(k.String())
	s.batch.Forget(k.String())
}

func (c *Coordinator) rollback(s *session, k key.Key, p FamilyPolicy, snap snapshot) error {
	c.supersede(s, k)
	if !snap.has {
		c.store.Restore(k, nil, false)
		return nil
	}
	data, err := p.Snapshotter.Restore(snap.saved)
	if err != nil {
		c.store.Remove(k)
		c.log.Error("rollback failed, entry evicted", Fields{"key": k.String(), "err": err})
		c.hooks.RollbackFailed(k.String(), err)
		return err
	}
	c.store.Restore(k, data, true)
	return nil
}
