// Package remote defines the boundary between the cache and the host's data
// source. The cache never knows the transport used underneath an Accessor.
package remote

import (
	"context"

	"github.com/unkn0wn-root/querycache/key"
)

// Accessor is supplied by the host application.
type Accessor interface {
	// Fetch reads the resource identified by k.
	Fetch(ctx context.Context, k key.Key) (any, error)
	// Mutate performs a write. Mutations are never retried by the cache.
	Mutate(ctx context.Context, action string, payload any) (any, error)
}

// BatchAccessor is implemented by accessors able to read several keys in one
// round-trip. Results are keyed by key.Key.String(); absent keys are misses.
type BatchAccessor interface {
	Accessor
	FetchMany(ctx context.Context, keys []key.Key) (map[string]any, error)
}

// Invalidator is implemented by accessors that keep their own copy of data
// (for example a shared tier) and must drop it when the cache invalidates k.
type Invalidator interface {
	Invalidate(ctx context.Context, k key.Key) error
}

// AccessorFuncs adapts plain functions to an Accessor.
type AccessorFuncs struct {
	FetchFunc  func(ctx context.Context, k key.Key) (any, error)
	MutateFunc func(ctx context.Context, action string, payload any) (any, error)
}

var _ Accessor = AccessorFuncs{}

func (a AccessorFuncs) Fetch(ctx context.Context, k key.Key) (any, error) {
	if a.FetchFunc == nil {
		return nil, NewError(nil, 501)
	}
	return a.FetchFunc(ctx, k)
}

func (a AccessorFuncs) Mutate(ctx context.Context, action string, payload any) (any, error) {
	if a.MutateFunc == nil {
		return nil, NewError(nil, 501)
	}
	return a.MutateFunc(ctx, action, payload)
}
