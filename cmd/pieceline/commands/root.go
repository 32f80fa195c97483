// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the pieceline command tree.
package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/pieceline/pieceline/cmd/pieceline/cli"
	"github.com/pieceline/pieceline/lib/version"
)

// defaultServer is the transfer protocol address used when --server
// is not given.
const defaultServer = "127.0.0.1:9160"

// Root returns the top-level pieceline command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "pieceline",
		Summary: "piece-addressed progressive file transfer",
		Description: "Pieceline transfers files as independently verified pieces:\n" +
			"uploads stream out of order, and downloads can start while the\n" +
			"upload is still in flight.",
		Subcommands: []*cli.Command{
			sendCommand(),
			fetchCommand(),
			infoCommand(),
			listCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information",
		Run: func(args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}

// serverFlag adds the shared --server flag to a flag set.
func serverFlag(flags *pflag.FlagSet, target *string) {
	flags.StringVar(target, "server", defaultServer, "transfer server address")
}
