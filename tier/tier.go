// Package tier is a shared read tier in front of a remote.Accessor.
//
// Hosts that run many coordinators against the same remote API (one per
// dashboard session on a backend-for-frontend, say) can wrap the accessor with
// a Tier so reads are served from a provider that all of them share. Every
// stored entry carries the generation it was written at; Invalidate bumps the
// generation, so one invalidation hides the entry from every reader at once,
// and a write that raced an invalidation is skipped (compare-and-set on the
// generation).
package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/provider"
	"github.com/unkn0wn-root/querycache/remote"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultGenRetention = 30 * 24 * time.Hour
	defaultPrune        = time.Hour
)

type SetCostFunc func(storageKey string, raw []byte, isBulk bool, bulkCount int) int64

// Options configure a Tier. Namespace, Provider, Codec and Next are required.
type Options[V any] struct {
	Namespace string // e.g. "app:prod:wallet"
	Provider  provider.Provider
	Codec     codec.Codec[V]
	Next      remote.Accessor

	GenStore       genstore.Store    // nil => genstore.Local with hourly prune
	TTL            time.Duration     // singles; 0 => 10m
	BulkTTL        time.Duration     // bulks; 0 => 10m
	DisableBulk    bool              // default false => bulk enabled
	ComputeSetCost SetCostFunc       // default 1
	Logger         querycache.Logger // if nil, NopLogger is used
	Hooks          Hooks             // if nil, NopHooks is used
}

// Tier decorates Next. Values fetched from Next must be of type V.
type Tier[V any] struct {
	ns    string
	prov  provider.Provider
	codec codec.Codec[V]
	next  remote.Accessor
	gen   genstore.Store
	log   querycache.Logger
	hooks Hooks

	ttl     time.Duration
	bulkTTL time.Duration
	bulk    bool
	cost    SetCostFunc
}

var (
	_ remote.BatchAccessor = (*Tier[int])(nil)
	_ remote.Invalidator   = (*Tier[int])(nil)
)

func New[V any](opts Options[V]) (*Tier[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("tier: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tier: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("tier: namespace is required")
	}
	if opts.Next == nil {
		return nil, fmt.Errorf("tier: next accessor is required")
	}

	t := &Tier[V]{
		ns:      opts.Namespace,
		prov:    opts.Provider,
		codec:   opts.Codec,
		next:    opts.Next,
		bulk:    !opts.DisableBulk,
		ttl:     coalesce(opts.TTL, defaultTTL),
		bulkTTL: coalesce(opts.BulkTTL, defaultTTL),
		cost:    opts.ComputeSetCost,
	}
	if opts.Logger != nil {
		t.log = opts.Logger
	} else {
		t.log = querycache.NopLogger{}
	}
	if opts.Hooks != nil {
		t.hooks = opts.Hooks
	} else {
		t.hooks = NopHooks{}
	}
	if t.cost == nil {
		t.cost = func(string, []byte, bool, int) int64 { return 1 }
	}

	if opts.GenStore != nil {
		t.gen = opts.GenStore
	} else {
		t.gen = genstore.NewLocal(genstore.LocalOptions{
			PruneInterval: defaultPrune,
			Retention:     defaultGenRetention,
		})
	}
	if _, local := t.gen.(*genstore.Local); local && t.bulk {
		t.log.Warn("bulk enabled with local generations; stale bulks possible across replicas", querycache.Fields{"ns": t.ns})
		t.hooks.LocalGenWithBulk()
	}
	return t, nil
}

// Fetch serves k from the provider when the stored generation is current and
// otherwise reads through to Next, writing the result back.
func (t *Tier[V]) Fetch(ctx context.Context, k key.Key) (any, error) {
	id := k.String()
	sk := t.singleKey(id)
	if v, ok := t.get(ctx, sk); ok {
		return v, nil
	}

	// snapshot before the read so an invalidation during it skips the write
	obs, err := t.gen.Snapshot(ctx, sk)
	genOK := err == nil
	if err != nil {
		t.hooks.GenSnapshotError(1, err)
	}

	raw, err := t.next.Fetch(ctx, k)
	if err != nil {
		return nil, err
	}
	v, err := t.value(id, raw)
	if err != nil {
		return nil, err
	}
	if genOK {
		t.setWithGen(ctx, sk, v, obs)
	}
	return v, nil
}

// Mutate is passed through; the coordinator invalidates affected keys through
// Invalidate once its rules run.
func (t *Tier[V]) Mutate(ctx context.Context, action string, payload any) (any, error) {
	return t.next.Mutate(ctx, action, payload)
}

// Invalidate bumps the generation of k and deletes its single entry. Bulk
// entries containing k fail validation from then on.
func (t *Tier[V]) Invalidate(ctx context.Context, k key.Key) error {
	id := k.String()
	sk := t.singleKey(id)

	g, bumpErr := t.gen.Bump(ctx, sk)
	if bumpErr != nil {
		t.hooks.GenBumpError(sk, bumpErr)
	}
	delErr := t.prov.Del(ctx, sk)

	switch {
	case bumpErr == nil && delErr == nil:
		t.log.Debug("tier invalidated", querycache.Fields{"key": id, "gen": g})
		return nil
	case bumpErr != nil && delErr != nil:
		t.log.Error("tier invalidate outage", querycache.Fields{"key": id, "bump_err": bumpErr, "del_err": delErr})
		t.hooks.InvalidateOutage(id, bumpErr, delErr)
	default:
		t.log.Warn("tier invalidate partial", querycache.Fields{"key": id, "bump_err": bumpErr, "del_err": delErr})
	}
	return &InvalidateError{Key: id, BumpErr: bumpErr, DelErr: delErr}
}

// Close closes the generation store (best effort) and the provider.
func (t *Tier[V]) Close(ctx context.Context) error {
	_ = t.gen.Close(ctx)
	return t.prov.Close(ctx)
}

func (t *Tier[V]) get(ctx context.Context, sk string) (V, bool) {
	var zero V
	raw, ok, err := t.prov.Get(ctx, sk)
	if err != nil || !ok {
		return zero, false
	}
	g, payload, err := wire.DecodeSingle(raw)
	if err != nil {
		t.selfHeal(ctx, sk, "corrupt")
		return zero, false
	}
	cur, err := t.gen.Snapshot(ctx, sk)
	if err != nil {
		t.hooks.GenSnapshotError(1, err)
		return zero, false
	}
	if g != cur {
		t.selfHeal(ctx, sk, "gen_mismatch")
		return zero, false
	}
	v, err := t.codec.Decode(payload)
	if err != nil {
		t.selfHeal(ctx, sk, "value_decode")
		return zero, false
	}
	return v, true
}

// setWithGen writes v only if the generation is still obs. Write failures are
// logged; the caller already has the value.
func (t *Tier[V]) setWithGen(ctx context.Context, sk string, v V, obs uint64) {
	cur, err := t.gen.Snapshot(ctx, sk)
	if err != nil {
		t.hooks.GenSnapshotError(1, err)
		return
	}
	if cur != obs {
		t.log.Debug("tier write skipped (gen moved)", querycache.Fields{"key": sk, "obs": obs, "cur": cur})
		return
	}
	payload, err := t.codec.Encode(v)
	if err != nil {
		t.log.Warn("tier encode failed", querycache.Fields{"key": sk, "err": err})
		return
	}
	b := wire.EncodeSingle(obs, payload)
	ok, err := t.prov.Set(ctx, sk, b, t.cost(sk, b, false, 1), t.ttl)
	if err != nil {
		t.log.Warn("tier write failed", querycache.Fields{"key": sk, "err": err})
		return
	}
	if !ok {
		t.hooks.ProviderSetRejected(sk, false)
	}
}

func (t *Tier[V]) selfHeal(ctx context.Context, sk, reason string) {
	_ = t.prov.Del(ctx, sk)
	t.hooks.SelfHealSingle(sk, reason)
}

func (t *Tier[V]) value(id string, raw any) (V, error) {
	v, ok := raw.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("tier %s: %s: accessor returned %T, want %T", t.ns, id, raw, zero)
	}
	return v, nil
}

func (t *Tier[V]) singleKey(id string) string { return "single:" + t.ns + ":" + id }

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
