package tier

// Hooks report tier events that are otherwise handled silently.
// Implementations MUST be cheap and non-blocking; the tier calls them on the
// read path. sloghooks and hooks/async implement this interface.
type Hooks interface {
	// An entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHealSingle(storageKey, reason string)

	// A bulk entry was rejected and the read fell back to singles.
	// reason ∈ {"decode_error", "invalid_or_stale", "snapshot_error"}
	BulkRejected(namespace string, requested int, reason string)

	// Provider returned ok=false on Set.
	ProviderSetRejected(storageKey string, isBulk bool)

	// Generation store failures. count is 1 for Snapshot, N for SnapshotMany.
	GenSnapshotError(count int, err error)
	GenBumpError(storageKey string, err error)

	// Both the generation bump and the delete failed during Invalidate.
	InvalidateOutage(key string, bumpErr, delErr error)

	// Bulk is enabled with the in-process generation store.
	LocalGenWithBulk()
}

type NopHooks struct{}

func (NopHooks) SelfHealSingle(string, string)         {}
func (NopHooks) BulkRejected(string, int, string)      {}
func (NopHooks) ProviderSetRejected(string, bool)      {}
func (NopHooks) GenSnapshotError(int, error)           {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) LocalGenWithBulk()                     {}

var _ Hooks = NopHooks{}
