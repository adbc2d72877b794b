// Package querycache is a client-side data cache coordinator. It sits between
// consumers and a remote data source and decides when to fetch and when to
// reuse cached results, collapses identical concurrent reads, merges sibling
// reads into one round-trip, applies optimistic updates with rollback, and
// keeps dependent entries consistent after mutations.
//
// Components (leaves first):
//   - store: one entry per query key, retention-based eviction.
//   - dedupe: at most one in-flight fetch per key.
//   - batch: per-family coalescing window, merged or sequential.
//   - scheduler: priority-aware retry, backoff, timeouts, network awareness.
//   - refresh: named periodic tasks.
//   - Coordinator (this package): invalidation rules, optimistic mutations,
//     cache warming and the session lifecycle.
//
// Around the core: remote (the host's Accessor, RemoteError, a family mux),
// config (YAML host tables), tier (a shared read tier over ristretto, bigcache
// or Redis, with generation-checked entries), log/* and sloghooks.
//
// Read path:
//
//	fresh entry          -> cached data
//	stale by time        -> cached data, background refetch
//	no data, invalidated -> dedupe -> batch -> scheduler -> accessor -> store
//
// Mutation path:
//
//	Idle -> Snapshotting -> Applied -> Committed (rules fire) | RolledBack (snapshot restored)
//
// A Coordinator is explicitly constructed; independent instances share nothing.
package querycache
