package codec

// Bytes passes []byte through untouched.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String converts without validating UTF-8.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

var (
	_ Codec[[]byte] = Bytes{}
	_ Codec[string] = String{}
)
