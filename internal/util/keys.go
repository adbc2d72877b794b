// Package util holds small helpers shared by the tier packages.
package util

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// BulkKey returns prefix + ":" + a 16 hex digit digest of the member set.
// The order of ids does not matter.
func BulkKey(prefix string, ids []string) string {
	s := make([]string, len(ids))
	copy(s, ids)
	sort.Strings(s)
	return BulkKeySorted(prefix, s)
}

// BulkKeySorted is BulkKey for ids that are already sorted.
func BulkKeySorted(prefix string, sorted []string) string {
	d := xxhash.New()
	for _, id := range sorted {
		_, _ = d.WriteString(id)
		// NUL cannot appear in a JSON encoded key, so members never run together
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%s:%016x", prefix, d.Sum64())
}
