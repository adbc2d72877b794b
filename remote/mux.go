package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/unkn0wn-root/querycache/key"
)

// Mux routes reads by key family and mutations by action family
// ("wallet.debit" -> "wallet"). Unrouted calls go to the fallback accessor.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Accessor
	fallback Accessor
}

var (
	_ BatchAccessor = (*Mux)(nil)
	_ Invalidator   = (*Mux)(nil)
)

// NewMux returns a mux with an optional fallback (nil => unrouted calls fail).
func NewMux(fallback Accessor) *Mux {
	return &Mux{routes: make(map[string]Accessor), fallback: fallback}
}

// Handle routes family to a.
func (m *Mux) Handle(family string, a Accessor) {
	m.mu.Lock()
	m.routes[family] = a
	m.mu.Unlock()
}

func (m *Mux) route(family string) (Accessor, error) {
	m.mu.RLock()
	a, ok := m.routes[family]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, NewError(fmt.Errorf("no accessor for family %q", family), 404)
}

func (m *Mux) Fetch(ctx context.Context, k key.Key) (any, error) {
	a, err := m.route(k.Family())
	if err != nil {
		return nil, err
	}
	return a.Fetch(ctx, k)
}

// FetchMany splits keys by family. Families whose accessor cannot batch are
// fetched key by key; the first error aborts the call.
func (m *Mux) FetchMany(ctx context.Context, keys []key.Key) (map[string]any, error) {
	byFamily := make(map[string][]key.Key)
	var order []string
	for _, k := range keys {
		f := k.Family()
		if _, ok := byFamily[f]; !ok {
			order = append(order, f)
		}
		byFamily[f] = append(byFamily[f], k)
	}
	out := make(map[string]any, len(keys))
	for _, f := range order {
		a, err := m.route(f)
		if err != nil {
			return nil, err
		}
		if ba, ok := a.(BatchAccessor); ok {
			res, err := ba.FetchMany(ctx, byFamily[f])
			if err != nil {
				return nil, err
			}
			for k, v := range res {
				out[k] = v
			}
			continue
		}
		for _, k := range byFamily[f] {
			v, err := a.Fetch(ctx, k)
			if err != nil {
				return nil, err
			}
			out[k.String()] = v
		}
	}
	return out, nil
}

func (m *Mux) Mutate(ctx context.Context, action string, payload any) (any, error) {
	family, _, _ := strings.Cut(action, ".")
	a, err := m.route(family)
	if err != nil {
		return nil, err
	}
	return a.Mutate(ctx, action, payload)
}

// Invalidate forwards to the family accessor when it keeps its own copy.
func (m *Mux) Invalidate(ctx context.Context, k key.Key) error {
	a, err := m.route(k.Family())
	if err != nil {
		return nil
	}
	if inv, ok := a.(Invalidator); ok {
		return inv.Invalidate(ctx, k)
	}
	return nil
}
