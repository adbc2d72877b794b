package codec

import "encoding/json"

// JSON uses encoding/json. Keys and remote payloads in this module are JSON
// already, so it is the safe default.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
