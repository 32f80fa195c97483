// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/pieceline/pieceline/cmd/pieceline/cli"
	"github.com/pieceline/pieceline/transfer"
)

func infoCommand() *cli.Command {
	var server string

	return &cli.Command{
		Name:    "info",
		Summary: "show a file's descriptor and progress",
		Usage:   "pieceline info [flags] <file-id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("info", pflag.ContinueOnError)
			serverFlag(flags, &server)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("info takes exactly one file-id argument")
			}
			return runInfo(server, args[0])
		},
	}
}

func runInfo(server, fileID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := transfer.Dial(ctx, server, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Join(ctx, fileID)
	if err != nil {
		return err
	}
	defer remote.Cancel()

	state := "in flight"
	if remote.Complete {
		state = "complete"
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", remote.FileID)
	fmt.Fprintf(tw, "name:\t%s\n", remote.Name)
	fmt.Fprintf(tw, "size:\t%d\n", remote.Size)
	if remote.MimeType != "" {
		fmt.Fprintf(tw, "mime type:\t%s\n", remote.MimeType)
	}
	fmt.Fprintf(tw, "piece size:\t%d\n", remote.PieceSize)
	fmt.Fprintf(tw, "pieces:\t%d/%d\n", len(remote.Snapshot), remote.PieceCount)
	fmt.Fprintf(tw, "state:\t%s\n", state)
	return tw.Flush()
}
