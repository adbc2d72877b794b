// Package key defines the query key used to identify cached resources.
//
// A Key is an ordered tuple such as ["transactions", "user", "7"]. Identity is
// the canonical serialized form returned by String: two keys are the same
// resource iff their String values are equal. Every component (store, dedupe,
// batching, invalidation) indexes by that form.
package key

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Key is an ordered, structurally comparable tuple.
type Key []any

var placeholder = regexp.MustCompile(`^\{(\w+)\}$`)

// New builds a key from its elements.
func New(elems ...any) Key { return Key(elems) }

// String returns the canonical form (a JSON array; map elements get sorted keys).
// Elements that cannot be marshaled fall back to their fmt representation, so
// String never fails.
func (k Key) String() string {
	if k == nil {
		return "[]"
	}
	b, err := json.Marshal([]any(k))
	if err != nil {
		parts := make([]string, len(k))
		for i, e := range k {
			parts[i] = fmt.Sprintf("%q", fmt.Sprint(e))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return string(b)
}

// Equal reports whether k and o identify the same resource.
func (k Key) Equal(o Key) bool { return k.String() == o.String() }

// Family is the resource family of the key: its first element as a string.
func (k Key) Family() string {
	if len(k) == 0 {
		return ""
	}
	if s, ok := k[0].(string); ok {
		return s
	}
	return fmt.Sprint(k[0])
}

// HasPrefix reports whether the leading elements of k equal p element-wise.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if elem(k[i]) != elem(p[i]) {
			return false
		}
	}
	return true
}

// Bind substitutes whole-element placeholders ("{userId}") with vars.
// An unresolved or empty placeholder is an error; the receiver is not modified.
func (k Key) Bind(vars map[string]string) (Key, error) {
	out := make(Key, len(k))
	for i, e := range k {
		s, ok := e.(string)
		if !ok {
			out[i] = e
			continue
		}
		m := placeholder.FindStringSubmatch(s)
		if m == nil {
			out[i] = e
			continue
		}
		v := vars[m[1]]
		if v == "" {
			return nil, fmt.Errorf("key %s: required value not found for %q", k, m[1])
		}
		out[i] = v
	}
	return out, nil
}

// Parse decodes a canonical key string back into a Key.
func Parse(s string) (Key, error) {
	var elems []any
	if err := json.Unmarshal([]byte(s), &elems); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}
	return Key(elems), nil
}

func elem(e any) string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprint(e)
	}
	return string(b)
}
