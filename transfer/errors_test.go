// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := Errorf(KindNotReady, "file-1", "piece %d not yet complete", 7)
	want := "transfer: not_ready (file-1): piece 7 not yet complete"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	bare := Errorf(KindValidation, "", "size must be positive")
	if bare.Error() != "transfer: validation: size must be positive" {
		t.Errorf("unexpected format: %q", bare.Error())
	}
}

func TestIsKind(t *testing.T) {
	err := Errorf(KindIntegrity, "file-1", "hash mismatch")
	if !IsKind(err, KindIntegrity) {
		t.Error("IsKind should match the error's kind")
	}
	if IsKind(err, KindNotFound) {
		t.Error("IsKind should not match a different kind")
	}

	wrapped := fmt.Errorf("submitting piece: %w", err)
	if !IsKind(wrapped, KindIntegrity) {
		t.Error("IsKind should unwrap")
	}

	if IsKind(errors.New("plain"), KindIntegrity) {
		t.Error("IsKind should reject non-transfer errors")
	}
}

func TestErrKind(t *testing.T) {
	if kind := ErrKind(Errorf(KindQuota, "", "full")); kind != KindQuota {
		t.Errorf("got %q, want %q", kind, KindQuota)
	}
	if kind := ErrKind(errors.New("plain")); kind != "" {
		t.Errorf("got %q, want empty", kind)
	}
	if kind := ErrKind(nil); kind != "" {
		t.Errorf("got %q for nil, want empty", kind)
	}
}

func TestWireErrorRoundTrip(t *testing.T) {
	original := Errorf(KindNotFound, "file-1", "unknown file")
	wire := ToWireError(original)
	if wire.Kind != "not_found" {
		t.Errorf("wire kind = %q", wire.Kind)
	}

	back := wire.Err("file-1")
	if !IsKind(back, KindNotFound) {
		t.Errorf("round-tripped error lost its kind: %v", back)
	}
}

func TestToWireError_HidesInternalDetail(t *testing.T) {
	wire := ToWireError(errors.New("open /var/lib/pieceline/blobs/x: permission denied"))
	if wire.Kind != string(KindSessionFailed) {
		t.Errorf("wire kind = %q", wire.Kind)
	}
	if wire.Message != "internal error" {
		t.Errorf("internal detail leaked: %q", wire.Message)
	}
}

func TestToWireError_Nil(t *testing.T) {
	if ToWireError(nil) != nil {
		t.Error("nil error should produce nil wire error")
	}
	var wire *WireError
	if wire.Err("file-1") != nil {
		t.Error("nil wire error should produce nil error")
	}
}
