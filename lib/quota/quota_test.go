// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"testing"
)

func TestUnlimitedAdmitsEverything(t *testing.T) {
	checker := Unlimited()
	if err := checker.Reserve(context.Background(), 1<<50); err != nil {
		t.Fatal(err)
	}
	checker.Release(1 << 50)
}

func TestDiskCheckerCeiling(t *testing.T) {
	checker := &DiskChecker{Dir: t.TempDir(), MaxBytes: 1000}
	ctx := context.Background()

	if err := checker.Reserve(ctx, 600); err != nil {
		t.Fatal(err)
	}
	if err := checker.Reserve(ctx, 600); !errors.Is(err, ErrExceeded) {
		t.Errorf("over-ceiling reserve = %v, want ErrExceeded", err)
	}
	// The failed reservation must not leak.
	if got := checker.Reserved(); got != 600 {
		t.Errorf("reserved = %d, want 600", got)
	}

	checker.Release(600)
	if err := checker.Reserve(ctx, 1000); err != nil {
		t.Errorf("full reserve after release: %v", err)
	}
}

func TestDiskCheckerRejectsInvalidSize(t *testing.T) {
	checker := &DiskChecker{Dir: t.TempDir()}
	if err := checker.Reserve(context.Background(), 0); err == nil {
		t.Error("zero reservation accepted")
	}
	if err := checker.Reserve(context.Background(), -5); err == nil {
		t.Error("negative reservation accepted")
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	checker := &DiskChecker{Dir: t.TempDir(), MaxBytes: 100}
	checker.Release(1 << 40)
	if got := checker.Reserved(); got != 0 {
		t.Errorf("reserved = %d after over-release", got)
	}
}
