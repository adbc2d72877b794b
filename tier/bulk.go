package tier

import (
	"context"
	"sort"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/remote"
)

// FetchMany serves keys from a bulk entry when every member is current,
// otherwise from singles, and reads only what is still missing from Next. The
// result is keyed by key.Key.String(); keys Next does not return are absent.
func (t *Tier[V]) FetchMany(ctx context.Context, keys []key.Key) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	byID := make(map[string]key.Key, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := k.String()
		if _, dup := byID[id]; dup {
			continue
		}
		byID[id] = k
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hits, missing := t.readMany(ctx, ids)
	for id, v := range hits {
		out[id] = v
	}
	if len(missing) == 0 {
		return out, nil
	}

	// snapshot every member before the read; a write back is skipped for any
	// member whose generation moves in between
	obs, genErr := t.gen.SnapshotMany(ctx, t.singleKeys(ids))
	if genErr != nil {
		t.hooks.GenSnapshotError(len(ids), genErr)
	}

	fetched, err := t.fetchMissing(ctx, missing, byID)
	if err != nil {
		return nil, err
	}

	for id, raw := range fetched {
		v, err := t.value(id, raw)
		if err != nil {
			return nil, err
		}
		out[id] = v
		hits[id] = v
		if genErr == nil {
			t.setWithGen(ctx, t.singleKey(id), v, obs[t.singleKey(id)])
		}
	}

	if t.bulk && genErr == nil && len(hits) == len(ids) {
		t.setBulk(ctx, ids, hits, obs)
	}
	return out, nil
}

func (t *Tier[V]) fetchMissing(ctx context.Context, missing []string, byID map[string]key.Key) (map[string]any, error) {
	ks := make([]key.Key, len(missing))
	for i, id := range missing {
		ks[i] = byID[id]
	}
	if ba, ok := t.next.(remote.BatchAccessor); ok {
		return ba.FetchMany(ctx, ks)
	}
	res := make(map[string]any, len(ks))
	for i, k := range ks {
		v, err := t.next.Fetch(ctx, k)
		if err != nil {
			return nil, err
		}
		res[missing[i]] = v
	}
	return res, nil
}

// readMany tries the bulk entry for sorted ids, then singles.
func (t *Tier[V]) readMany(ctx context.Context, ids []string) (map[string]V, []string) {
	hits := make(map[string]V, len(ids))
	if t.bulk {
		if ok := t.readBulk(ctx, ids, hits); ok {
			return hits, nil
		}
	}
	var missing []string
	for _, id := range ids {
		if v, ok := t.get(ctx, t.singleKey(id)); ok {
			hits[id] = v
		} else {
			missing = append(missing, id)
		}
	}
	return hits, missing
}

// readBulk fills hits from the bulk entry and reports whether it covered every
// id. A stale or corrupt bulk is deleted and hits is left untouched.
func (t *Tier[V]) readBulk(ctx context.Context, ids []string, hits map[string]V) bool {
	bk := util.BulkKeySorted("bulk:"+t.ns, ids)
	raw, ok, err := t.prov.Get(ctx, bk)
	if err != nil || !ok {
		return false
	}
	reject := func(reason string) bool {
		_ = t.prov.Del(ctx, bk)
		t.hooks.BulkRejected(t.ns, len(ids), reason)
		return false
	}

	items, err := wire.DecodeBulk(raw)
	if err != nil || len(items) != len(ids) {
		return reject("decode_error")
	}
	cur, err := t.gen.SnapshotMany(ctx, t.singleKeys(ids))
	if err != nil {
		t.hooks.GenSnapshotError(len(ids), err)
		return reject("snapshot_error")
	}

	vals := make(map[string]V, len(items))
	for _, it := range items {
		g, known := cur[t.singleKey(it.Key)]
		if !known || g != it.Gen {
			return reject("invalid_or_stale")
		}
		v, err := t.codec.Decode(it.Payload)
		if err != nil {
			return reject("decode_error")
		}
		vals[it.Key] = v
	}
	for _, id := range ids {
		if _, ok := vals[id]; !ok {
			return reject("invalid_or_stale")
		}
	}
	for id, v := range vals {
		hits[id] = v
	}
	return true
}

// setBulk writes one bulk entry for sorted ids if no member's generation moved
// away from obs.
func (t *Tier[V]) setBulk(ctx context.Context, ids []string, vals map[string]V, obs map[string]uint64) {
	gens, err := t.gen.SnapshotMany(ctx, t.singleKeys(ids))
	if err != nil {
		t.hooks.GenSnapshotError(len(ids), err)
		return
	}
	items := make([]wire.BulkItem, 0, len(ids))
	for _, id := range ids {
		sk := t.singleKey(id)
		if gens[sk] != obs[sk] {
			t.log.Debug("tier bulk write skipped (gen moved)", querycache.Fields{"key": id})
			return
		}
		payload, err := t.codec.Encode(vals[id])
		if err != nil {
			t.log.Warn("tier bulk encode failed", querycache.Fields{"key": id, "err": err})
			return
		}
		items = append(items, wire.BulkItem{Key: id, Gen: obs[sk], Payload: payload})
	}
	b, err := wire.EncodeBulk(items)
	if err != nil {
		t.log.Warn("tier bulk frame failed", querycache.Fields{"ns": t.ns, "err": err})
		return
	}
	bk := util.BulkKeySorted("bulk:"+t.ns, ids)
	ok, err := t.prov.Set(ctx, bk, b, t.cost(bk, b, true, len(items)), t.bulkTTL)
	if err != nil {
		t.log.Warn("tier bulk write failed", querycache.Fields{"key": bk, "err": err})
		return
	}
	if !ok {
		t.hooks.ProviderSetRejected(bk, true)
	}
}

func (t *Tier[V]) singleKeys(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.singleKey(id)
	}
	return out
}
