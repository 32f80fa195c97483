// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package piecehash

import (
	"testing"
)

func TestSumIsDeterministic(t *testing.T) {
	data := []byte("the same bytes")
	if Sum(data) != Sum(data) {
		t.Error("two hashes of the same bytes differ")
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("distinct inputs produced the same digest")
	}
}

func TestZeroHash(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero value not reported as zero")
	}
	if Sum([]byte{}).IsZero() {
		t.Error("digest of empty input is the zero value")
	}
}

func TestParseRoundTrip(t *testing.T) {
	h := Sum([]byte("payload"))
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != h {
		t.Error("parse(string) != original")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Error("short input accepted")
	}
	if _, err := Parse(string(make([]byte, 64))); err == nil {
		t.Error("non-hex input accepted")
	}
}

func TestFromBytes(t *testing.T) {
	h := Sum([]byte("x"))
	got, err := FromBytes(h[:])
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Error("FromBytes(h[:]) != h")
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("short slice accepted")
	}
}
