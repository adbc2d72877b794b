package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func TestSingleRoundTrip(t *testing.T) {
	cases := []struct {
		gen     uint64
		payload []byte
	}{
		{0, nil},
		{42, []byte("hello")},
		{math.MaxUint64, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		gen, p, err := DecodeSingle(EncodeSingle(tc.gen, tc.payload))
		if err != nil {
			t.Fatalf("DecodeSingle(gen=%d): %v", tc.gen, err)
		}
		if gen != tc.gen || !bytes.Equal(p, tc.payload) {
			t.Fatalf("got (%d, %x), want (%d, %x)", gen, p, tc.gen, tc.payload)
		}
	}
}

func TestSingleCorrupt(t *testing.T) {
	enc := EncodeSingle(1, []byte("abc"))
	cases := map[string]func([]byte) []byte{
		"magic":     func(b []byte) []byte { b[0] = 'X'; return b },
		"version":   func(b []byte) []byte { b[4] = version + 1; return b },
		"kind":      func(b []byte) []byte { b[5] = kindBulk; return b },
		"trailing":  func(b []byte) []byte { return append(b, 0xDE, 0xAD) },
		"truncated": func(b []byte) []byte { return b[:len(b)-1] },
		"header":    func(b []byte) []byte { return b[:3] },
		"vlen": func(b []byte) []byte {
			// vlen follows magic, version, kind and gen
			binary.BigEndian.PutUint32(b[14:18], 4)
			return b
		},
	}
	for name, mutate := range cases {
		if _, _, err := DecodeSingle(mutate(clone(enc))); err != ErrCorrupt {
			t.Fatalf("%s: got %v, want ErrCorrupt", name, err)
		}
	}
}

func TestSinglePayloadAliasesBuffer(t *testing.T) {
	enc := EncodeSingle(1, []byte("Z"))
	_, p, err := DecodeSingle(enc)
	if err != nil {
		t.Fatal(err)
	}
	p[0] = 'Q'
	if _, p2, _ := DecodeSingle(enc); p2[0] != 'Q' {
		t.Fatalf("payload should alias the encoded buffer")
	}
}

func TestBulkRoundTrip(t *testing.T) {
	cases := [][]BulkItem{
		nil,
		{{Key: "a", Gen: 1, Payload: []byte("x")}},
		{
			{Key: "a", Gen: 1, Payload: []byte("x")},
			{Key: "b", Gen: 2},
			{Key: "c", Gen: 3, Payload: []byte{9, 8, 7}},
		},
		{
			{Key: "dup", Gen: 1, Payload: []byte("old")},
			{Key: "dup", Gen: 2, Payload: []byte("new")},
		},
	}
	for _, items := range cases {
		enc, err := EncodeBulk(items)
		if err != nil {
			t.Fatalf("EncodeBulk: %v", err)
		}
		got, err := DecodeBulk(enc)
		if err != nil {
			t.Fatalf("DecodeBulk: %v", err)
		}
		if len(got) != len(items) {
			t.Fatalf("len: got %d want %d", len(got), len(items))
		}
		for i := range items {
			if got[i].Key != items[i].Key || got[i].Gen != items[i].Gen || !bytes.Equal(got[i].Payload, items[i].Payload) {
				t.Fatalf("item %d: got %+v want %+v", i, got[i], items[i])
			}
		}
	}
}

func TestBulkKeyLength(t *testing.T) {
	if _, err := EncodeBulk([]BulkItem{{Key: "", Gen: 1}}); err == nil {
		t.Fatalf("expected error on empty key")
	}
	if _, err := EncodeBulk([]BulkItem{{Key: strings.Repeat("a", maxKeyLen+1)}}); err == nil {
		t.Fatalf("expected error on oversized key")
	}
	if _, err := EncodeBulk([]BulkItem{{Key: strings.Repeat("b", maxKeyLen)}}); err != nil {
		t.Fatalf("boundary key length: %v", err)
	}
}

func TestBulkCorrupt(t *testing.T) {
	enc, err := EncodeBulk([]BulkItem{{Key: "k", Gen: 9, Payload: []byte("xyz")}})
	if err != nil {
		t.Fatal(err)
	}
	// header is 10 bytes; the item's klen sits at 10, vlen at 10+2+1+8
	const vlenAt = 21
	cases := map[string]func([]byte) []byte{
		"magic":    func(b []byte) []byte { b[1] = 'X'; return b },
		"version":  func(b []byte) []byte { b[4] = version + 1; return b },
		"kind":     func(b []byte) []byte { b[5] = kindSingle; return b },
		"trailing": func(b []byte) []byte { return append(b, 0xBE, 0xEF) },
		"count": func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[6:10], math.MaxUint32)
			return b
		},
		"short list": func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[6:10], 2)
			return b
		},
		"zero klen": func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[10:12], 0)
			return b
		},
		"klen": func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[10:12], 5)
			return b
		},
		"vlen": func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[vlenAt:vlenAt+4], 4)
			return b
		},
	}
	for name, mutate := range cases {
		if _, err := DecodeBulk(mutate(clone(enc))); err != ErrCorrupt {
			t.Fatalf("%s: got %v, want ErrCorrupt", name, err)
		}
	}
}

func TestBulkPayloadsAliasBuffer(t *testing.T) {
	enc, err := EncodeBulk([]BulkItem{
		{Key: "a", Gen: 1, Payload: []byte("X")},
		{Key: "b", Gen: 2, Payload: []byte("Y")},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBulk(enc)
	if err != nil {
		t.Fatal(err)
	}
	got[0].Payload[0] = 'Q'
	again, _ := DecodeBulk(enc)
	if again[0].Payload[0] != 'Q' || again[1].Payload[0] != 'Y' {
		t.Fatalf("payloads should alias the encoded buffer")
	}
}
