// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package pieceplan partitions a file of known size into a dense,
// contiguous table of pieces. The planner is a pure function: both
// ends of the transfer protocol compute the plan independently from
// the declared size and must agree exactly, because piece indices are
// the addressing scheme for every other operation.
package pieceplan

import "fmt"

// Size units.
const (
	KiB = int64(1) << 10
	MiB = int64(1) << 20
	GiB = int64(1) << 30
)

// sizeBucket maps a file-size threshold to the piece size used below
// it. Small files get small pieces so availability stays granular;
// huge files get large pieces to bound the piece count.
type sizeBucket struct {
	below     int64
	pieceSize int64
}

// buckets is the monotonic piece-size table. The final entry's
// threshold is the catch-all for anything at or above 256 GiB.
// These values are protocol constants — changing them breaks plan
// agreement with peers running the old table.
var buckets = []sizeBucket{
	{below: 128 * MiB, pieceSize: 64 * KiB},
	{below: 1 * GiB, pieceSize: 256 * KiB},
	{below: 4 * GiB, pieceSize: 512 * KiB},
	{below: 16 * GiB, pieceSize: 1 * MiB},
	{below: 64 * GiB, pieceSize: 2 * MiB},
	{below: 256 * GiB, pieceSize: 4 * MiB},
}

// maxPieceSize is used for files at or beyond the last bucket
// threshold.
const maxPieceSize = 8 * MiB

// Entry is one row of a piece table: the byte range [Offset,
// Offset+Length) of piece Index.
type Entry struct {
	Index  int
	Offset int64
	Length int64
}

// Plan is the complete partitioning of a file into pieces. Every
// entry except the last has Length == PieceSize; the last entry
// covers the remainder.
type Plan struct {
	Size       int64
	PieceSize  int64
	PieceCount int
	Table      []Entry
}

// PieceSizeFor returns the piece size the bucket table selects for a
// file of the given size. Deterministic and total for size > 0.
func PieceSizeFor(size int64) int64 {
	for _, bucket := range buckets {
		if size < bucket.below {
			return bucket.pieceSize
		}
	}
	return maxPieceSize
}

// New computes the piece plan for a file of the given size. Returns
// an error for non-positive sizes — a zero-length transfer has no
// pieces to address and is rejected at ingest init instead.
func New(size int64) (Plan, error) {
	if size <= 0 {
		return Plan{}, fmt.Errorf("pieceplan: size %d must be positive", size)
	}

	pieceSize := PieceSizeFor(size)
	pieceCount := int((size + pieceSize - 1) / pieceSize)

	table := make([]Entry, pieceCount)
	for i := range table {
		offset := int64(i) * pieceSize
		length := pieceSize
		if offset+length > size {
			length = size - offset
		}
		table[i] = Entry{Index: i, Offset: offset, Length: length}
	}

	return Plan{
		Size:       size,
		PieceSize:  pieceSize,
		PieceCount: pieceCount,
		Table:      table,
	}, nil
}

// Entry returns the table row for the given index, or false if the
// index is out of range.
func (p *Plan) Entry(index int) (Entry, bool) {
	if index < 0 || index >= p.PieceCount {
		return Entry{}, false
	}
	return p.Table[index], true
}
