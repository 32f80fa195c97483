// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the command tree for the pieceline CLI:
// nested subcommands with pflag flag sets, structured help output,
// and typo suggestions for unknown commands and flags.
package cli
