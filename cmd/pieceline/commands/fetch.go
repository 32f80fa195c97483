// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pieceline/pieceline/cmd/pieceline/cli"
	"github.com/pieceline/pieceline/transfer"
)

func fetchCommand() *cli.Command {
	var server string
	var output string

	return &cli.Command{
		Name:    "fetch",
		Summary: "download a file",
		Usage:   "pieceline fetch [flags] <file-id>",
		Description: "Fetch downloads a file by id. If the upload is still in flight,\n" +
			"fetch follows it live: pieces arrive as they are verified and the\n" +
			"download completes together with the upload.",
		Examples: []cli.Example{
			{Description: "download into the stored file name", Command: "pieceline fetch 2f6c0a93-8d11-4a6e-9f6f-2f4b1c62d8aa"},
			{Description: "download to an explicit path", Command: "pieceline fetch --output ./artifact.tar build-1234"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			serverFlag(flags, &server)
			flags.StringVarP(&output, "output", "o", "", "output path (defaults to the stored name)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("fetch takes exactly one file-id argument")
			}
			return runFetch(server, output, args[0])
		},
	}
}

func runFetch(server, output, fileID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := transfer.Dial(ctx, server, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Join(ctx, fileID)
	if err != nil {
		return err
	}

	if output == "" {
		output = remote.Name
	}
	if output == "" {
		output = fileID
	}

	file, err := os.Create(output)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := file.Truncate(remote.Size); err != nil {
		return err
	}

	start := time.Now()
	if !remote.Complete {
		fmt.Fprintf(os.Stderr, "transfer in flight: %d/%d pieces available, following live\n",
			len(remote.Snapshot), remote.PieceCount)
	}
	if err := remote.Fetch(ctx, file); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	fmt.Printf("fetched %s (%d bytes) in %s\n", output, remote.Size, time.Since(start).Round(time.Millisecond))
	return nil
}
