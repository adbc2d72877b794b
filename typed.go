package querycache

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/querycache/key"
)

// Query is the typed form of (*Coordinator).Query.
func Query[T any](ctx context.Context, c *Coordinator, k key.Key, opts ...QueryOption) (T, error) {
	var zero T
	v, err := c.Query(ctx, k, opts...)
	if err != nil {
		return zero, err
	}
	return cast[T](k.String(), v)
}

// Data returns the cached data for k without fetching.
func Data[T any](c *Coordinator, k key.Key) (T, bool) {
	var zero T
	e, ok := c.Entry(k)
	if !ok || !e.HasData {
		return zero, false
	}
	t, ok := e.Data.(T)
	return t, ok
}

// Mutate is the typed form of (*Coordinator).Mutate.
func Mutate[T any](ctx context.Context, c *Coordinator, m Mutation) (T, error) {
	var zero T
	v, err := c.Mutate(ctx, m)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return cast[T](m.Action, v)
}

func cast[T any](what string, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("querycache: %s: got %T, want %T", what, v, zero)
	}
	return t, nil
}
