// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package blobstore

import "os"

// preallocate extends the blob to its full size with a sparse
// truncate. Non-Linux platforms have no portable fallocate.
func preallocate(file *os.File, size int64) error {
	return file.Truncate(size)
}
