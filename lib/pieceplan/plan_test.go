// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package pieceplan

import (
	"reflect"
	"testing"
)

func TestPieceSizeBuckets(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want int64
	}{
		{"tiny", 1, 64 * KiB},
		{"just under 128MiB", 128*MiB - 1, 64 * KiB},
		{"exactly 128MiB", 128 * MiB, 256 * KiB},
		{"200MiB", 200 * MiB, 256 * KiB},
		{"just under 1GiB", 1*GiB - 1, 256 * KiB},
		{"1GiB", 1 * GiB, 512 * KiB},
		{"4GiB", 4 * GiB, 1 * MiB},
		{"16GiB", 16 * GiB, 2 * MiB},
		{"64GiB", 64 * GiB, 4 * MiB},
		{"256GiB", 256 * GiB, 8 * MiB},
		{"1TiB", 1024 * GiB, 8 * MiB},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := PieceSizeFor(test.size); got != test.want {
				t.Errorf("PieceSizeFor(%d) = %d, want %d", test.size, got, test.want)
			}
		})
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded, want error")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) succeeded, want error")
	}
}

func TestPlanInvariants(t *testing.T) {
	// Sizes chosen to cover exact multiples, remainders of one byte,
	// and a size smaller than a single piece.
	sizes := []int64{
		1,
		64*KiB - 1,
		64 * KiB,
		64*KiB + 1,
		10 * MiB,
		128 * MiB,
		200 * MiB,
		1*GiB + 12345,
	}

	for _, size := range sizes {
		plan, err := New(size)
		if err != nil {
			t.Fatalf("New(%d): %v", size, err)
		}

		if len(plan.Table) != plan.PieceCount {
			t.Fatalf("size %d: table has %d entries, piece count is %d",
				size, len(plan.Table), plan.PieceCount)
		}

		var total int64
		for i, entry := range plan.Table {
			if entry.Index != i {
				t.Errorf("size %d: entry %d has index %d", size, i, entry.Index)
			}
			if entry.Offset != int64(i)*plan.PieceSize {
				t.Errorf("size %d: entry %d offset %d, want %d",
					size, i, entry.Offset, int64(i)*plan.PieceSize)
			}
			if entry.Offset != total {
				t.Errorf("size %d: entry %d offset %d does not equal sum of prior lengths %d",
					size, i, entry.Offset, total)
			}
			if i < len(plan.Table)-1 && entry.Length != plan.PieceSize {
				t.Errorf("size %d: non-final entry %d length %d, want %d",
					size, i, entry.Length, plan.PieceSize)
			}
			if entry.Length <= 0 {
				t.Errorf("size %d: entry %d has non-positive length %d", size, i, entry.Length)
			}
			total += entry.Length
		}

		if total != size {
			t.Errorf("size %d: piece lengths sum to %d", size, total)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	first, err := New(200 * MiB)
	if err != nil {
		t.Fatal(err)
	}
	second, err := New(200 * MiB)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("two plans for the same size differ")
	}
}

func TestPlan200MiBExample(t *testing.T) {
	// 200 MiB falls in the 128 MiB–1 GiB bucket: 256 KiB pieces,
	// ceil(200*1024*1024 / 262144) = 800 of them.
	plan, err := New(200 * MiB)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PieceSize != 256*KiB {
		t.Errorf("piece size = %d, want %d", plan.PieceSize, 256*KiB)
	}
	if plan.PieceCount != 800 {
		t.Errorf("piece count = %d, want 800", plan.PieceCount)
	}
	last := plan.Table[799]
	if last.Offset+last.Length != 200*MiB {
		t.Errorf("last entry ends at %d, want %d", last.Offset+last.Length, 200*MiB)
	}
}

func TestPlanEntryLookup(t *testing.T) {
	plan, err := New(10 * MiB)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := plan.Entry(-1); ok {
		t.Error("Entry(-1) succeeded")
	}
	if _, ok := plan.Entry(plan.PieceCount); ok {
		t.Error("Entry(PieceCount) succeeded")
	}
	entry, ok := plan.Entry(3)
	if !ok || entry.Index != 3 {
		t.Errorf("Entry(3) = %+v, %v", entry, ok)
	}
}
