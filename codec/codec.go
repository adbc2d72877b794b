// Package codec turns typed values into bytes and back. Codecs are used by the
// shared tier to store entries and by CodecSnapshotter to deep copy entry data
// before an optimistic write.
package codec

import "errors"

// ErrTooLarge is returned by Limit when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")

type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Funcs adapts a pair of functions to a Codec.
type Funcs[V any] struct {
	EncodeFunc func(V) ([]byte, error)
	DecodeFunc func([]byte) (V, error)
}

func (f Funcs[V]) Encode(v V) ([]byte, error) { return f.EncodeFunc(v) }
func (f Funcs[V]) Decode(b []byte) (V, error) { return f.DecodeFunc(b) }
