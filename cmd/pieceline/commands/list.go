// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/pieceline/pieceline/cmd/pieceline/cli"
)

func listCommand() *cli.Command {
	var gatewayURL string

	return &cli.Command{
		Name:    "list",
		Summary: "list stored and in-flight files",
		Usage:   "pieceline list [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&gatewayURL, "gateway", "http://127.0.0.1:9161", "gateway base URL")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("list takes no arguments")
			}
			return runList(gatewayURL)
		},
	}
}

type listedFile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	PieceCount int       `json:"piece_count"`
	Complete   bool      `json:"complete"`
	CreatedAt  time.Time `json:"created_at"`
}

func runList(gatewayURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(gatewayURL + "/v1/files")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var files []listedFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return fmt.Errorf("decoding file list: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tPIECES\tSTATE\tCREATED")
	for _, file := range files {
		state := "in flight"
		if file.Complete {
			state = "complete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			file.ID, file.Name, file.Size, file.PieceCount, state,
			file.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
