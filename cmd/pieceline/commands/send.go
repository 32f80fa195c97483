// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pieceline/pieceline/cmd/pieceline/cli"
	"github.com/pieceline/pieceline/transfer"
)

func sendCommand() *cli.Command {
	var server string
	var fileID string
	var mimeType string
	var name string
	var concurrency int

	return &cli.Command{
		Name:    "send",
		Summary: "upload a file",
		Usage:   "pieceline send [flags] <file>",
		Description: "Send uploads a file to the transfer server. Pieces are hashed,\n" +
			"compressed, and streamed concurrently; consumers can start\n" +
			"fetching as soon as the transfer is announced.",
		Examples: []cli.Example{
			{Description: "upload a build artifact", Command: "pieceline send ./artifact.tar"},
			{Description: "upload with an explicit id", Command: "pieceline send --id build-1234 ./artifact.tar"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
			serverFlag(flags, &server)
			flags.StringVar(&fileID, "id", "", "file id to claim (server assigns one when empty)")
			flags.StringVar(&mimeType, "mime", "", "content type (guessed from the extension when empty)")
			flags.StringVar(&name, "name", "", "stored file name (defaults to the basename)")
			flags.IntVar(&concurrency, "concurrency", 4, "pieces in flight at once")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("send takes exactly one file argument")
			}
			return runSend(server, fileID, name, mimeType, concurrency, args[0])
		},
	}
}

func runSend(server, fileID, name, mimeType string, concurrency int, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := transfer.Dial(ctx, server, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	id, err := client.SendFile(ctx, transfer.InitOptions{
		FileID:   fileID,
		Name:     name,
		Size:     stat.Size(),
		MimeType: mimeType,
	}, file, concurrency)
	if err != nil {
		return err
	}

	fmt.Printf("sent %s (%d bytes) in %s\n", name, stat.Size(), time.Since(start).Round(time.Millisecond))
	fmt.Printf("file id: %s\n", id)
	return nil
}
