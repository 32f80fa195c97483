// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer implements piece-addressed progressive file
// transfer: the ingest state machine, the fan-out hub, the egress
// read path, and the framed TCP protocol tying producers, the server,
// and consumers together.
//
// A file is partitioned by a deterministic piece plan and each piece
// is content-hashed. Producers submit pieces in any order; the server
// verifies every piece before storing it, records completion in
// SQLite behind a short write-behind window, and pushes verified
// pieces to live subscribers. Consumers join at any time: they get a
// snapshot of what is already complete, follow the remainder live,
// and reconcile any missed pushes by explicit request. Bytes are
// addressed by (file id, piece index) end to end, so a download is
// verifiable piece by piece and resumable at piece granularity.
package transfer
