// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package blobstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for the blob. Fallocate reserves
// real extents so mid-transfer piece writes cannot fail with ENOSPC;
// filesystems without fallocate support fall back to a sparse
// truncate.
func preallocate(file *os.File, size int64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return file.Truncate(size)
}
