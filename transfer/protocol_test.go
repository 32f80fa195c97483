// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := IngestInit{
		Correlation: 42,
		Name:        "artifact.tar",
		Size:        1 << 20,
		MimeType:    "application/x-tar",
	}
	if err := WriteMessage(&buf, MsgIngestInit, sent); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msgType, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != MsgIngestInit {
		t.Errorf("message type = 0x%02x, want 0x%02x", msgType, MsgIngestInit)
	}

	var received IngestInit
	if err := DecodePayload(payload, &received); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if received != sent {
		t.Errorf("round trip mismatch: got %+v, want %+v", received, sent)
	}
}

func TestMessageFraming_MultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	for i := range 3 {
		err := WriteMessage(&buf, MsgEgressRequest, EgressRequest{
			Correlation: uint64(i + 1),
			FileID:      "file-1",
			Indices:     []int{i},
		})
		if err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	for i := range 3 {
		msgType, payload, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if msgType != MsgEgressRequest {
			t.Fatalf("message %d type = 0x%02x", i, msgType)
		}
		var msg EgressRequest
		if err := DecodePayload(payload, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Correlation != uint64(i+1) {
			t.Errorf("message %d correlation = %d", i, msg.Correlation)
		}
	}
}

func TestReadMessage_RejectsOversizedPayload(t *testing.T) {
	var header [headerLength]byte
	header[0] = MsgIngestPiece
	binary.BigEndian.PutUint32(header[1:5], MaxPayloadLength+1)

	if _, _, err := ReadMessage(bytes.NewReader(header[:])); err == nil {
		t.Fatal("expected error for payload exceeding the maximum")
	}
}

func TestWriteMessage_RejectsOversizedPayload(t *testing.T) {
	huge := IngestPiece{Data: make([]byte, MaxPayloadLength+1)}
	if err := WriteMessage(&bytes.Buffer{}, MsgIngestPiece, huge); err == nil {
		t.Fatal("expected error for payload exceeding the maximum")
	}
}

func TestBitfieldRoundTrip(t *testing.T) {
	indices := []int{0, 3, 7, 63, 64, 99}
	field := NewBitfield(100, indices)

	result := EgressJoinResult{PieceCount: 100, Bitfield: field}
	got := result.CompleteIndices()
	if !slices.Equal(got, indices) {
		t.Errorf("got %v, want %v", got, indices)
	}
}

func TestBitfield_Empty(t *testing.T) {
	result := EgressJoinResult{PieceCount: 10, Bitfield: NewBitfield(10, nil)}
	if got := result.CompleteIndices(); len(got) != 0 {
		t.Errorf("expected no indices, got %v", got)
	}
}

func TestBitfield_IgnoresOutOfRange(t *testing.T) {
	field := NewBitfield(8, []int{-1, 3, 8, 100})
	result := EgressJoinResult{PieceCount: 8, Bitfield: field}
	if got := result.CompleteIndices(); !slices.Equal(got, []int{3}) {
		t.Errorf("got %v, want [3]", got)
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	var msg IngestInit
	err := DecodePayload([]byte{0xff, 0x00}, &msg)
	if err == nil {
		t.Fatal("expected error for malformed CBOR")
	}
	if !IsKind(err, KindValidation) {
		t.Errorf("expected validation kind, got %v", err)
	}
}
