package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack is compact and ready to use as a zero value. Fields are matched by
// `msgpack` tags, not `json` tags.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
