// Package genstore keeps per-key generation counters for the shared tier.
// A tier entry is valid only while the generation it was written at is still
// current; bumping the generation invalidates every copy at once.
package genstore

import "context"

// Store is where generations live. Missing keys are generation 0.
type Store interface {
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns an entry for every requested key.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments the generation and returns the new value.
	Bump(ctx context.Context, key string) (uint64, error)
	Close(context.Context) error
}
