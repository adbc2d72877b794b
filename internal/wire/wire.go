// Package wire frames tier entries. Every frame carries the generation it was
// written at so readers can tell a stale copy from a current one.
//
//	single: magic(4) | ver(1) | kind(1) | gen(u64) | vlen(u32) | payload
//	bulk:   magic(4) | ver(1) | kind(1) | n(u32) | n * (klen(u16) | key | gen(u64) | vlen(u32) | payload)
//
// Integers are big endian. Decoded payloads alias the input buffer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version    byte = 1
	kindSingle byte = 1
	kindBulk   byte = 2

	headerLen = 6
	maxKeyLen = 0xFFFF
)

var (
	ErrCorrupt = errors.New("querycache: corrupt tier entry")
	magic      = [4]byte{'Q', 'C', 'T', 'R'}
)

func header(kind byte, size int) []byte {
	b := make([]byte, 0, size)
	b = append(b, magic[:]...)
	return append(b, version, kind)
}

func EncodeSingle(gen uint64, payload []byte) []byte {
	b := header(kindSingle, headerLen+8+4+len(payload))
	b = binary.BigEndian.AppendUint64(b, gen)
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

func DecodeSingle(b []byte) (uint64, []byte, error) {
	r, err := open(b, kindSingle)
	if err != nil {
		return 0, nil, err
	}
	gen := r.u64()
	payload := r.take(int(r.u32()))
	if err := r.finish(); err != nil {
		return 0, nil, err
	}
	return gen, payload, nil
}

type BulkItem struct {
	Key     string
	Gen     uint64
	Payload []byte
}

// EncodeBulk frames items in order. Keys must be 1..65535 bytes long.
func EncodeBulk(items []BulkItem) ([]byte, error) {
	size := headerLen + 4
	for _, it := range items {
		if l := len(it.Key); l == 0 || l > maxKeyLen {
			return nil, fmt.Errorf("wire: bulk key length %d out of range", l)
		}
		size += 2 + len(it.Key) + 8 + 4 + len(it.Payload)
	}

	b := header(kindBulk, size)
	b = binary.BigEndian.AppendUint32(b, uint32(len(items)))
	for _, it := range items {
		b = binary.BigEndian.AppendUint16(b, uint16(len(it.Key)))
		b = append(b, it.Key...)
		b = binary.BigEndian.AppendUint64(b, it.Gen)
		b = binary.BigEndian.AppendUint32(b, uint32(len(it.Payload)))
		b = append(b, it.Payload...)
	}
	return b, nil
}

func DecodeBulk(b []byte) ([]BulkItem, error) {
	r, err := open(b, kindBulk)
	if err != nil {
		return nil, err
	}
	n := int(r.u32())
	// each item takes at least 15 bytes; reject counts the buffer cannot hold
	if r.err != nil || n > r.remaining()/15 {
		return nil, ErrCorrupt
	}

	items := make([]BulkItem, 0, n)
	for i := 0; i < n; i++ {
		klen := int(r.u16())
		if r.err == nil && klen == 0 {
			return nil, ErrCorrupt
		}
		k := r.take(klen)
		gen := r.u64()
		payload := r.take(int(r.u32()))
		if r.err != nil {
			return nil, ErrCorrupt
		}
		items = append(items, BulkItem{Key: string(k), Gen: gen, Payload: payload})
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return items, nil
}

// reader is a bounds-checked cursor. After the first short read every call
// returns zero values and err stays set.
type reader struct {
	b   []byte
	off int
	err error
}

func open(b []byte, kind byte) (*reader, error) {
	if len(b) < headerLen || [4]byte(b[:4]) != magic || b[4] != version || b[5] != kind {
		return nil, ErrCorrupt
	}
	return &reader{b: b, off: headerLen}, nil
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.err = ErrCorrupt
		return nil
	}
	p := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return p
}

func (r *reader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

// finish reports a short read or trailing bytes.
func (r *reader) finish() error {
	if r.err != nil || r.off != len(r.b) {
		return ErrCorrupt
	}
	return nil
}
