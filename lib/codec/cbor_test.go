// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `cbor:"name"`
	Size  int64  `cbor:"size"`
	Bytes []byte `cbor:"bytes,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := sample{Name: "demo", Size: 42, Bytes: []byte{1, 2, 3}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two encodings of the same value differ")
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{Name: "file.bin", Size: 1 << 30, Bytes: []byte("payload")}
	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != in.Name || out.Size != in.Size || !bytes.Equal(out.Bytes, in.Bytes) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := Marshal(map[string]any{
		"name":   "x",
		"size":   int64(7),
		"future": "field from a newer peer",
	})
	if err != nil {
		t.Fatal(err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("decoding with unknown field: %v", err)
	}
	if out.Name != "x" || out.Size != 7 {
		t.Errorf("got %+v", out)
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(sample{Name: "n", Size: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var out sample
		if err := dec.Decode(&out); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if out.Size != int64(i) {
			t.Errorf("item %d: size %d", i, out.Size)
		}
	}
}
