package querycache

import "time"

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the coordinator calls them
// on read and mutation paths. See hooks/async for a buffered implementation.
type Hooks interface {
	// A fetch settled with an error after all attempts.
	FetchFailed(key string, err error)

	// An attempt failed and another one is scheduled after delay.
	FetchRetried(key string, attempt int, delay time.Duration, err error)

	// A fetch result was discarded because an optimistic mutation (or an
	// eviction) superseded it.
	FetchSuperseded(key string)

	// A batch was flushed. merged reports a single FetchMany round-trip.
	BatchFlushed(class string, size int, merged bool)

	// An entry left the store.
	// reason ∈ {"retention", "removed", "cleared"}
	EntryEvicted(key string, reason string)

	// Invalidation rules for event ran and touched count keys.
	RulesApplied(event string, count int)

	// An optimistic mutation moved between states.
	MutationTransition(id, action string, from, to MutationState)

	// Restoring a snapshot failed; the entry was evicted.
	RollbackFailed(key string, err error)

	// A warm-up prefetch failed (it is otherwise swallowed).
	WarmFailed(key string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchFailed(string, error)                                       {}
func (NopHooks) FetchRetried(string, int, time.Duration, error)                  {}
func (NopHooks) FetchSuperseded(string)                                          {}
func (NopHooks) BatchFlushed(string, int, bool)                                  {}
func (NopHooks) EntryEvicted(string, string)                                     {}
func (NopHooks) RulesApplied(string, int)                                        {}
func (NopHooks) MutationTransition(string, string, MutationState, MutationState) {}
func (NopHooks) RollbackFailed(string, error)                                    {}
func (NopHooks) WarmFailed(string, error)                                        {}

var _ Hooks = NopHooks{}
