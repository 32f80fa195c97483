// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota accounts for storage space before any bytes are
// written. Ingest init reserves the full declared size up front;
// abort and delete release it. Reservations are advisory bookkeeping
// layered over a hard free-space check on the backing filesystem.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrExceeded is returned when a reservation would exceed the
// configured ceiling or the filesystem's available space.
var ErrExceeded = errors.New("quota: exceeded")

// Checker is the interface the ingest path uses. Implementations
// must be safe for concurrent use.
type Checker interface {
	// Reserve claims n bytes. Returns an error wrapping ErrExceeded
	// when space is insufficient; no partial reservation remains.
	Reserve(ctx context.Context, n int64) error

	// Release returns n previously reserved bytes.
	Release(n int64)
}

// Unlimited returns a Checker that always admits. Used in tests and
// deployments that delegate space management to the filesystem.
func Unlimited() Checker { return unlimited{} }

type unlimited struct{}

func (unlimited) Reserve(ctx context.Context, n int64) error { return nil }
func (unlimited) Release(n int64)                            {}

// DiskChecker enforces a byte ceiling across all reservations plus a
// free-space floor on the store's filesystem.
type DiskChecker struct {
	// Dir is the directory whose filesystem is checked for free
	// space.
	Dir string

	// MaxBytes caps the sum of outstanding reservations. Zero means
	// no ceiling, only the free-space floor applies.
	MaxBytes int64

	// ReserveFree is the number of bytes that must remain free on
	// the filesystem after a reservation. Guards against filling the
	// disk completely.
	ReserveFree int64

	mu       sync.Mutex
	reserved int64
}

// Reserve claims n bytes if both the ceiling and the filesystem
// permit.
func (c *DiskChecker) Reserve(ctx context.Context, n int64) error {
	if n <= 0 {
		return fmt.Errorf("quota: reservation of %d bytes is invalid", n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.MaxBytes > 0 && c.reserved+n > c.MaxBytes {
		return fmt.Errorf("quota: %d bytes requested, %d of %d already reserved: %w",
			n, c.reserved, c.MaxBytes, ErrExceeded)
	}

	free, err := freeBytes(c.Dir)
	if err != nil {
		return fmt.Errorf("quota: checking free space in %s: %w", c.Dir, err)
	}
	if free-n < c.ReserveFree {
		return fmt.Errorf("quota: %d bytes requested, %d free (floor %d): %w",
			n, free, c.ReserveFree, ErrExceeded)
	}

	c.reserved += n
	return nil
}

// Release returns n reserved bytes. Releasing more than is reserved
// clamps to zero.
func (c *DiskChecker) Release(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved -= n
	if c.reserved < 0 {
		c.reserved = 0
	}
}

// Reserved reports the current outstanding reservation total.
func (c *DiskChecker) Reserved() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved
}
