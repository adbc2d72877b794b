// Package provider is the byte store underneath the shared tier.
//
// A Provider must hand back exactly the bytes it was given: no added framing,
// no transcoding. The tier validates every value it reads, so a foreign write
// under the "single:<ns>:" or "bulk:<ns>:" prefixes is treated as corruption
// and deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a concurrent byte store with per-entry TTLs.
type Provider interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set may ignore cost and ttl when the backend cannot honour them. ok is
	// false when the write was dropped under memory pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)
	Del(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
