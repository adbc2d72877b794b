package tier

import "fmt"

// InvalidateError is returned when Invalidate could not bump the generation,
// delete the stored entry, or both. A failed bump alone still leaves the entry
// deleted; a failed delete alone still leaves it unreadable.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("tier: invalidate %s: bump=%v; delete=%v", e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("tier: invalidate %s: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("tier: invalidate %s: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("tier: invalidate %s: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
