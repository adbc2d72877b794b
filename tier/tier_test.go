package tier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/provider"
	rp "github.com/unkn0wn-root/querycache/provider/redis"
	"github.com/unkn0wn-root/querycache/remote"
)

type wallet struct {
	User    string `json:"user"`
	Balance int64  `json:"balance"`
}

type memProvider struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, k string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[k]
	return b, ok, nil
}

func (p *memProvider) Set(_ context.Context, k string, v []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[k] = append([]byte(nil), v...)
	return true, nil
}

func (p *memProvider) Del(_ context.Context, k string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, k)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

var _ provider.Provider = (*memProvider)(nil)

// origin counts calls and serves wallets by user id (the key's last element).
type origin struct {
	mu      sync.Mutex
	singles int
	batches [][]string
	during  func() // runs inside Fetch, before returning
}

func (o *origin) Fetch(_ context.Context, k key.Key) (any, error) {
	o.mu.Lock()
	o.singles++
	during := o.during
	o.mu.Unlock()
	if during != nil {
		during()
	}
	return wallet{User: k[len(k)-1].(string), Balance: 100}, nil
}

func (o *origin) FetchMany(_ context.Context, keys []key.Key) (map[string]any, error) {
	o.mu.Lock()
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.String()
	}
	o.batches = append(o.batches, ids)
	o.mu.Unlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k.String()] = wallet{User: k[len(k)-1].(string), Balance: 100}
	}
	return out, nil
}

func (o *origin) Mutate(_ context.Context, action string, payload any) (any, error) {
	return action, nil
}

func (o *origin) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.singles, len(o.batches)
}

type recHooks struct {
	NopHooks
	mu       sync.Mutex
	heals    []string
	rejected []string
}

func (h *recHooks) SelfHealSingle(_ string, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}

func (h *recHooks) BulkRejected(_ string, _ int, reason string) {
	h.mu.Lock()
	h.rejected = append(h.rejected, reason)
	h.mu.Unlock()
}

func newTier(t *testing.T, next remote.Accessor, opts Options[wallet]) *Tier[wallet] {
	t.Helper()
	opts.Next = next
	if opts.Namespace == "" {
		opts.Namespace = "test:wallet"
	}
	if opts.Provider == nil {
		opts.Provider = newMemProvider()
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON[wallet]{}
	}
	if opts.GenStore == nil {
		opts.GenStore = genstore.NewLocal(genstore.LocalOptions{})
	}
	tr, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func walletKey(user string) key.Key { return key.New("wallet", "user", user) }

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options[wallet]{})
	require.Error(t, err)

	_, err = New(Options[wallet]{Namespace: "ns", Provider: newMemProvider(), Codec: codec.JSON[wallet]{}})
	require.Error(t, err, "next accessor is required")
}

func TestFetchReadsThroughOnce(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	tr := newTier(t, o, Options[wallet]{})

	for i := 0; i < 3; i++ {
		v, err := tr.Fetch(ctx, walletKey("42"))
		require.NoError(t, err)
		assert.Equal(t, wallet{User: "42", Balance: 100}, v)
	}
	singles, _ := o.counts()
	assert.Equal(t, 1, singles)
}

func TestInvalidateForcesReadThrough(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	tr := newTier(t, o, Options[wallet]{})

	_, err := tr.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)
	require.NoError(t, tr.Invalidate(ctx, walletKey("42")))
	_, err = tr.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)

	singles, _ := o.counts()
	assert.Equal(t, 2, singles)
}

func TestWriteSkippedWhenGenerationMovesDuringFetch(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	tr := newTier(t, o, Options[wallet]{})

	o.during = func() { _ = tr.Invalidate(ctx, walletKey("42")) }
	_, err := tr.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)

	o.mu.Lock()
	o.during = nil
	o.mu.Unlock()
	_, err = tr.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)

	singles, _ := o.counts()
	assert.Equal(t, 2, singles, "racing write must not be served")
}

func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	p := newMemProvider()
	h := &recHooks{}
	tr := newTier(t, o, Options[wallet]{Provider: p, Hooks: h})

	_, _ = p.Set(ctx, tr.singleKey(walletKey("42").String()), []byte("garbage"), 1, 0)
	v, err := tr.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", v.(wallet).User)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"corrupt"}, h.heals)
}

func TestFetchRejectsWrongType(t *testing.T) {
	next := remote.AccessorFuncs{FetchFunc: func(context.Context, key.Key) (any, error) { return "nope", nil }}
	tr := newTier(t, next, Options[wallet]{})

	_, err := tr.Fetch(context.Background(), walletKey("1"))
	require.Error(t, err)
}

func TestFetchPropagatesRemoteError(t *testing.T) {
	boom := remote.NewError(errors.New("down"), 503)
	next := remote.AccessorFuncs{FetchFunc: func(context.Context, key.Key) (any, error) { return nil, boom }}
	tr := newTier(t, next, Options[wallet]{})

	_, err := tr.Fetch(context.Background(), walletKey("1"))
	assert.Equal(t, 503, remote.StatusOf(err))
}

func TestFetchManyUsesBulkEntry(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	h := &recHooks{}
	tr := newTier(t, o, Options[wallet]{Hooks: h})
	keys := []key.Key{walletKey("1"), walletKey("2"), walletKey("3")}

	got, err := tr.FetchMany(ctx, keys)
	require.NoError(t, err)
	require.Len(t, got, 3)
	_, batches := o.counts()
	assert.Equal(t, 1, batches)

	got, err = tr.FetchMany(ctx, keys)
	require.NoError(t, err)
	require.Len(t, got, 3)
	_, batches = o.counts()
	assert.Equal(t, 1, batches, "second read is a bulk hit")

	require.NoError(t, tr.Invalidate(ctx, walletKey("2")))
	got, err = tr.FetchMany(ctx, keys)
	require.NoError(t, err)
	require.Len(t, got, 3)

	o.mu.Lock()
	require.Len(t, o.batches, 2)
	assert.Equal(t, []string{walletKey("2").String()}, o.batches[1], "only the invalidated member is refetched")
	o.mu.Unlock()

	h.mu.Lock()
	assert.Equal(t, []string{"invalid_or_stale"}, h.rejected)
	h.mu.Unlock()
}

func TestFetchManyWithoutBulk(t *testing.T) {
	ctx := context.Background()
	o := &origin{}
	p := newMemProvider()
	tr := newTier(t, o, Options[wallet]{Provider: p, DisableBulk: true})

	_, err := tr.FetchMany(ctx, []key.Key{walletKey("1"), walletKey("2")})
	require.NoError(t, err)

	p.mu.Lock()
	for k := range p.m {
		assert.Contains(t, k, "single:")
	}
	p.mu.Unlock()
}

func TestFetchManyFallsBackToSingleFetches(t *testing.T) {
	ctx := context.Background()
	calls := 0
	next := remote.AccessorFuncs{FetchFunc: func(_ context.Context, k key.Key) (any, error) {
		calls++
		return wallet{User: k[2].(string)}, nil
	}}
	tr := newTier(t, next, Options[wallet]{})

	got, err := tr.FetchMany(ctx, []key.Key{walletKey("1"), walletKey("2"), walletKey("1")})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, calls)
}

func TestSharedRedisTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	mk := func(o *origin) *Tier[wallet] {
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		p, err := rp.New(rp.Config{Client: client, CloseClient: true})
		require.NoError(t, err)
		gs, err := genstore.NewRedis(genstore.RedisOptions{Client: client, Namespace: "test:wallet"})
		require.NoError(t, err)
		return newTier(t, o, Options[wallet]{Provider: p, GenStore: gs, Codec: codec.Msgpack[wallet]{}})
	}
	oa, ob := &origin{}, &origin{}
	a, b := mk(oa), mk(ob)

	_, err := a.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)
	_, err = b.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)
	sa, _ := oa.counts()
	sb, _ := ob.counts()
	assert.Equal(t, 1, sa)
	assert.Equal(t, 0, sb, "second process reads the shared entry")

	require.NoError(t, a.Invalidate(ctx, walletKey("42")))
	_, err = b.Fetch(ctx, walletKey("42"))
	require.NoError(t, err)
	sb, _ = ob.counts()
	assert.Equal(t, 1, sb, "invalidation in one process is seen by the other")
}

func TestMutatePassesThrough(t *testing.T) {
	tr := newTier(t, &origin{}, Options[wallet]{})
	v, err := tr.Mutate(context.Background(), "wallet.debit", nil)
	require.NoError(t, err)
	assert.Equal(t, "wallet.debit", v)
}
