// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package piecehash defines the content hash used to verify pieces.
// Every piece is hashed with BLAKE3; the 32-byte digest is the only
// form of piece identity the protocol trusts — a piece is complete
// exactly when the bytes on disk hash to the recorded digest.
package piecehash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a BLAKE3 digest of a piece's uncompressed bytes.
type Hash [Size]byte

// Sum hashes data.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

// IsZero reports whether h is the all-zero value. A zero hash is
// never a valid piece digest; it marks a piece whose bytes have not
// been verified yet.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex form of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Parse decodes a 64-character hex digest.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, fmt.Errorf("piecehash: digest must be %d hex characters, got %d", Size*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("piecehash: %w", err)
	}
	copy(h[:], decoded)
	return h, nil
}

// FromBytes copies a raw 32-byte digest. Returns an error for any
// other length.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("piecehash: digest must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}
