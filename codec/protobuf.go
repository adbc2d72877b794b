package codec

import "google.golang.org/protobuf/proto"

// Protobuf stores generated messages. New returns an empty message to decode
// into, e.g. func() *pb.Wallet { return new(pb.Wallet) }.
type Protobuf[T proto.Message] struct {
	New func() T
	// Deterministic orders map fields so equal messages give equal bytes.
	Deterministic bool
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: c.Deterministic}.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.New()
	err := proto.Unmarshal(b, m)
	return m, err
}
