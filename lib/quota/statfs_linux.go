// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package quota

import "golang.org/x/sys/unix"

// freeBytes reports the space available to unprivileged writes on the
// filesystem containing dir.
func freeBytes(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
