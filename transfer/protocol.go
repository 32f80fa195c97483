// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"

	"github.com/pieceline/pieceline/lib/codec"
)

// Message type constants for the transfer protocol wire format. Each
// message is a 5-byte header (1 byte type + 4 byte big-endian payload
// length) followed by a CBOR payload. Requests and responses pair by
// correlation id, so one connection can carry many concurrent
// sessions without cross-talk.
const (
	// MsgIngestInit starts a transfer. Producer → server.
	MsgIngestInit byte = 0x01

	// MsgIngestInitResult carries the piece plan and assigned file
	// id. Server → producer.
	MsgIngestInitResult byte = 0x02

	// MsgIngestPiece submits one piece. Producer → server.
	MsgIngestPiece byte = 0x03

	// MsgIngestPieceResult acknowledges or rejects one piece.
	// Server → producer.
	MsgIngestPieceResult byte = 0x04

	// MsgIngestDone reports that every piece verified complete.
	// Server → producer, unsolicited.
	MsgIngestDone byte = 0x05

	// MsgEgressJoin subscribes to a file. Consumer → server.
	MsgEgressJoin byte = 0x10

	// MsgEgressJoinResult carries the descriptor and the
	// complete-index bitfield snapshot. Server → consumer.
	MsgEgressJoinResult byte = 0x11

	// MsgEgressRequest asks for one or more pieces by index.
	// Consumer → server.
	MsgEgressRequest byte = 0x12

	// MsgEgressPieceResult answers one requested index: piece bytes
	// or a per-index error. Batched requests produce one result per
	// index, in completion order. Server → consumer.
	MsgEgressPieceResult byte = 0x13

	// MsgEgressPush delivers a newly completed piece, unsolicited.
	// Pushes are optimistic: a consumer that misses one recovers by
	// re-requesting the index. Server → consumer.
	MsgEgressPush byte = 0x14

	// MsgEgressCompleted reports that the source transfer finished;
	// consumers reconcile any missed pushes by re-requesting.
	// Server → consumer, unsolicited.
	MsgEgressCompleted byte = 0x15

	// MsgEgressCancel removes the subscription. Consumer → server.
	MsgEgressCancel byte = 0x16

	// MsgTransferFailed reports that the source transfer died; no
	// further pieces will ever arrive. Server → consumer,
	// unsolicited, delivered once.
	MsgTransferFailed byte = 0x17

	// MsgError reports a request failure that could not be paired
	// with a typed result, or a protocol-level problem. Server →
	// either side.
	MsgError byte = 0x7F
)

// headerLength is the fixed frame header size: 1 byte type + 4 bytes
// payload length.
const headerLength = 5

// MaxPayloadLength bounds a single frame's payload. The largest piece
// is 8 MiB; 16 MiB leaves room for CBOR overhead and incompressible
// payloads.
const MaxPayloadLength = 16 * 1024 * 1024

// WriteMessage CBOR-encodes payload and writes one framed message.
func WriteMessage(w io.Writer, msgType byte, payload any) error {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message 0x%02x: %w", msgType, err)
	}
	if len(encoded) > MaxPayloadLength {
		return fmt.Errorf("message 0x%02x payload %d exceeds maximum %d", msgType, len(encoded), MaxPayloadLength)
	}

	var header [headerLength]byte
	header[0] = msgType
	binary.BigEndian.PutUint32(header[1:5], uint32(len(encoded)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its type and raw
// CBOR payload. The payload is decoded by the dispatcher once the
// type is known.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	msgType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxPayloadLength {
		return 0, nil, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// DecodePayload decodes a raw CBOR payload into v.
func DecodePayload(data []byte, v any) error {
	if err := codec.Unmarshal(data, v); err != nil {
		return Errorf(KindValidation, "", "malformed payload: %v", err)
	}
	return nil
}

// WireError is the error form carried inside typed results.
type WireError struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// ToWireError converts an error for transmission. Non-transfer
// errors are reported as session failures without internal detail.
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if kind := ErrKind(err); kind != "" {
		return &WireError{Kind: string(kind), Message: err.Error()}
	}
	return &WireError{Kind: string(KindSessionFailed), Message: "internal error"}
}

// Err converts a received WireError back into an *Error.
func (w *WireError) Err(fileID string) error {
	if w == nil {
		return nil
	}
	return &Error{Kind: Kind(w.Kind), FileID: fileID, Message: w.Message}
}

// IngestInit is the payload of MsgIngestInit. FileID is optional; the
// server assigns one when empty.
type IngestInit struct {
	Correlation uint64 `cbor:"correlation"`
	FileID      string `cbor:"file_id,omitempty"`
	Name        string `cbor:"name"`
	Size        int64  `cbor:"size"`
	MimeType    string `cbor:"mime_type"`
}

// IngestInitResult is the payload of MsgIngestInitResult.
type IngestInitResult struct {
	Correlation uint64     `cbor:"correlation"`
	FileID      string     `cbor:"file_id,omitempty"`
	PieceSize   int64      `cbor:"piece_size,omitempty"`
	PieceCount  int        `cbor:"piece_count,omitempty"`
	Err         *WireError `cbor:"err,omitempty"`
}

// IngestPiece is the payload of MsgIngestPiece. Data may be
// compressed per Encoding; Hash always covers the uncompressed piece
// bytes and RawLength is their exact count.
type IngestPiece struct {
	Correlation uint64 `cbor:"correlation"`
	FileID      string `cbor:"file_id"`
	Index       int    `cbor:"index"`
	Data        []byte `cbor:"data"`
	Hash        []byte `cbor:"hash"`
	Encoding    uint8  `cbor:"encoding,omitempty"`
	RawLength   int64  `cbor:"raw_length,omitempty"`
}

// IngestPieceResult is the payload of MsgIngestPieceResult.
type IngestPieceResult struct {
	Correlation uint64     `cbor:"correlation"`
	FileID      string     `cbor:"file_id"`
	Index       int        `cbor:"index"`
	Err         *WireError `cbor:"err,omitempty"`
}

// IngestDone is the payload of MsgIngestDone.
type IngestDone struct {
	FileID string `cbor:"file_id"`
}

// EgressJoin is the payload of MsgEgressJoin.
type EgressJoin struct {
	Correlation uint64 `cbor:"correlation"`
	FileID      string `cbor:"file_id"`
}

// EgressJoinResult is the payload of MsgEgressJoinResult. Bitfield
// holds one bit per piece index; a set bit means the piece was
// complete at join time. Everything not in the snapshot arrives by
// push or re-request.
type EgressJoinResult struct {
	Correlation uint64     `cbor:"correlation"`
	FileID      string     `cbor:"file_id"`
	Name        string     `cbor:"name,omitempty"`
	Size        int64      `cbor:"size,omitempty"`
	MimeType    string     `cbor:"mime_type,omitempty"`
	PieceSize   int64      `cbor:"piece_size,omitempty"`
	PieceCount  int        `cbor:"piece_count,omitempty"`
	Complete    bool       `cbor:"complete,omitempty"`
	Bitfield    []byte     `cbor:"bitfield,omitempty"`
	Err         *WireError `cbor:"err,omitempty"`
}

// CompleteIndices decodes the bitfield into a sorted index list.
func (r *EgressJoinResult) CompleteIndices() []int {
	field := bitmap.Bitmap(r.Bitfield)
	var indices []int
	for i := 0; i < r.PieceCount && i < field.Len(); i++ {
		if field.Get(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

// NewBitfield packs a set of complete indices into a bitfield sized
// for count pieces.
func NewBitfield(count int, indices []int) []byte {
	field := bitmap.New(count)
	for _, index := range indices {
		if index >= 0 && index < count {
			field.Set(index, true)
		}
	}
	return field.Data(false)
}

// EgressRequest is the payload of MsgEgressRequest. A single-piece
// request is a one-element Indices list.
type EgressRequest struct {
	Correlation uint64 `cbor:"correlation"`
	FileID      string `cbor:"file_id"`
	Indices     []int  `cbor:"indices"`
}

// EgressPieceResult is the payload of MsgEgressPieceResult: one per
// requested index, independently ordered by completion.
type EgressPieceResult struct {
	Correlation uint64     `cbor:"correlation"`
	FileID      string     `cbor:"file_id"`
	Index       int        `cbor:"index"`
	Data        []byte     `cbor:"data,omitempty"`
	Hash        []byte     `cbor:"hash,omitempty"`
	Encoding    uint8      `cbor:"encoding,omitempty"`
	RawLength   int64      `cbor:"raw_length,omitempty"`
	Err         *WireError `cbor:"err,omitempty"`
}

// EgressPush is the payload of MsgEgressPush.
type EgressPush struct {
	FileID    string `cbor:"file_id"`
	Index     int    `cbor:"index"`
	Data      []byte `cbor:"data"`
	Hash      []byte `cbor:"hash"`
	Encoding  uint8  `cbor:"encoding,omitempty"`
	RawLength int64  `cbor:"raw_length,omitempty"`
}

// EgressCompleted is the payload of MsgEgressCompleted.
type EgressCompleted struct {
	FileID string `cbor:"file_id"`
}

// EgressCancel is the payload of MsgEgressCancel.
type EgressCancel struct {
	FileID string `cbor:"file_id"`
}

// TransferFailed is the payload of MsgTransferFailed.
type TransferFailed struct {
	FileID  string `cbor:"file_id"`
	Message string `cbor:"message"`
}

// ErrorPayload is the payload of MsgError.
type ErrorPayload struct {
	Correlation uint64 `cbor:"correlation,omitempty"`
	Kind        string `cbor:"kind"`
	FileID      string `cbor:"file_id,omitempty"`
	Message     string `cbor:"message"`
}
