// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Pieceline is the command-line client for the transfer server: it
// uploads files piece by piece, downloads files progressively while
// they are still being uploaded, and inspects transfer state.
package main

import (
	"fmt"
	"os"

	"github.com/pieceline/pieceline/cmd/pieceline/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
