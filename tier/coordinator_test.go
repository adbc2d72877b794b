package tier_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/genstore"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/provider/ristretto"
	"github.com/unkn0wn-root/querycache/remote"
	"github.com/unkn0wn-root/querycache/tier"
)

type balance struct {
	Amount int64 `json:"amount"`
}

// bank is the remote side: one balance per user, debited by "wallet.debit".
type bank struct {
	mu      sync.Mutex
	amounts map[string]int64
	reads   int
}

func (b *bank) Fetch(_ context.Context, k key.Key) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return balance{Amount: b.amounts[k[2].(string)]}, nil
}

func (b *bank) Mutate(_ context.Context, _ string, payload any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	user := payload.(string)
	b.amounts[user] -= 100
	return balance{Amount: b.amounts[user]}, nil
}

func TestCoordinatorsShareTierAndInvalidation(t *testing.T) {
	ctx := context.Background()
	origin := &bank{amounts: map[string]int64{"42": 500}}

	p, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64, Sync: true})
	require.NoError(t, err)
	wallets, err := tier.New(tier.Options[balance]{
		Namespace:   "test:wallet",
		Provider:    p,
		Codec:       codec.JSON[balance]{},
		GenStore:    genstore.NewLocal(genstore.LocalOptions{}),
		Next:        origin,
		DisableBulk: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wallets.Close(ctx) })

	mux := remote.NewMux(nil)
	mux.Handle("wallet", wallets)

	wk := key.New("wallet", "user", "{userId}")
	newSession := func() *querycache.Coordinator {
		c, err := querycache.New(querycache.Options{
			Accessor: mux,
			Rules:    []querycache.Rule{{Name: "debit", Event: "wallet.debit", Keys: []key.Key{wk}}},
		})
		require.NoError(t, err)
		require.NoError(t, c.Initialize(ctx, querycache.Context{UserID: "42", Role: "merchant"}))
		t.Cleanup(func() { _ = c.Shutdown(ctx) })
		return c
	}
	a, b := newSession(), newSession()
	k := key.New("wallet", "user", "42")

	va, err := querycache.Query[balance](ctx, a, k)
	require.NoError(t, err)
	vb, err := querycache.Query[balance](ctx, b, k)
	require.NoError(t, err)
	assert.Equal(t, int64(500), va.Amount)
	assert.Equal(t, va, vb)
	assert.Equal(t, 1, origin.reads, "second session is served by the tier")

	_, err = a.Mutate(ctx, querycache.Mutation{Action: "wallet.debit", Payload: "42"})
	require.NoError(t, err)

	// b still holds its own copy; force a fetch so the read reaches the tier
	vb, err = querycache.Query[balance](ctx, b, k, querycache.WithForceFetch())
	require.NoError(t, err)
	assert.Equal(t, int64(400), vb.Amount, "rule in session a invalidated the shared tier")
	assert.Equal(t, 2, origin.reads)
}
