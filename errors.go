package querycache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/remote"
	"github.com/unkn0wn-root/querycache/scheduler"
)

var (
	ErrNetworkUnavailable = scheduler.ErrNetworkUnavailable
	ErrCancelled          = scheduler.ErrCancelled
	ErrTimeout            = scheduler.ErrTimeout
	ErrMissing            = batch.ErrMissing

	ErrNotInitialized     = errors.New("querycache: coordinator not initialized")
	ErrAlreadyInitialized = errors.New("querycache: coordinator already initialized")
)

// RemoteError carries the status of a failed remote call.
type RemoteError = remote.Error

// RollbackError is returned when a failed optimistic mutation could not restore
// its snapshot. The entry has been evicted.
type RollbackError struct {
	Key        string
	Cause      error // the mutation error
	RestoreErr error
}

func (e *RollbackError) Error() string {
	switch {
	case e.Cause != nil && e.RestoreErr != nil:
		return fmt.Sprintf("rollback %s failed: mutation=%v; restore=%v", e.Key, e.Cause, e.RestoreErr)
	case e.RestoreErr != nil:
		return fmt.Sprintf("rollback %s: restore failed: %v", e.Key, e.RestoreErr)
	default:
		return fmt.Sprintf("rollback %s: %v", e.Key, e.Cause)
	}
}

func (e *RollbackError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.RestoreErr != nil {
		errs = append(errs, e.RestoreErr)
	}
	return errs
}
