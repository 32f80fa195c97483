// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer error. Kinds travel on the wire as
// response codes, so their string values are protocol constants.
type Kind string

const (
	// KindValidation marks a malformed request (bad index, missing
	// field). Rejected immediately with no state change.
	KindValidation Kind = "validation"

	// KindIntegrity marks a hash mismatch on a submitted piece. The
	// piece stays incomplete; the caller resubmits. Never aborts the
	// session.
	KindIntegrity Kind = "hash_mismatch"

	// KindConflict marks a second ingest for a file id that already
	// has an active session or stored descriptor. The existing
	// session is unaffected.
	KindConflict Kind = "conflict"

	// KindQuota marks an ingest rejected by the quota check before
	// any bytes were written.
	KindQuota Kind = "quota_exceeded"

	// KindNotFound marks an unknown file id or an index outside the
	// piece table.
	KindNotFound Kind = "not_found"

	// KindNotReady marks a request for a valid piece whose bytes are
	// not verified yet. Recoverable: wait for a push or retry.
	KindNotReady Kind = "not_ready"

	// KindSessionFailed marks a fatal session error (storage I/O
	// failure, producer disconnect). The partial artifact is deleted
	// and every subscriber is notified exactly once.
	KindSessionFailed Kind = "session_failed"
)

// Error is the structured transfer error. Callers extract it with
// errors.As, or test the kind with IsKind:
//
//	if transfer.IsKind(err, transfer.KindNotReady) {
//	    // retry later
//	}
type Error struct {
	Kind    Kind
	FileID  string
	Message string
}

func (e *Error) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("transfer: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("transfer: %s (%s): %s", e.Kind, e.FileID, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, fileID, format string, args ...any) *Error {
	return &Error{Kind: kind, FileID: fileID, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) an *Error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var transferErr *Error
	if errors.As(err, &transferErr) {
		return transferErr.Kind == kind
	}
	return false
}

// ErrKind extracts the kind from err, or empty if err is not a
// transfer error.
func ErrKind(err error) Kind {
	var transferErr *Error
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return ""
}
