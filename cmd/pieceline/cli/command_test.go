// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecute_DispatchesSubcommand(t *testing.T) {
	ran := false
	root := &Command{
		Name: "pieceline",
		Subcommands: []*Command{
			{Name: "send", Run: func(args []string) error {
				ran = true
				return nil
			}},
		},
	}

	if err := root.Execute([]string{"send"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Error("subcommand did not run")
	}
}

func TestExecute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "pieceline",
		Subcommands: []*Command{
			{Name: "send", Run: func([]string) error { return nil }},
			{Name: "fetch", Run: func([]string) error { return nil }},
		},
	}

	err := root.Execute([]string{"fetc"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "fetch"`) {
		t.Errorf("expected suggestion for fetch, got: %v", err)
	}
}

func TestExecute_ParsesFlags(t *testing.T) {
	var server string
	var rest []string
	command := &Command{
		Name: "fetch",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "127.0.0.1:9160", "server address")
			return flags
		},
		Run: func(args []string) error {
			rest = args
			return nil
		},
	}

	if err := command.Execute([]string{"--server", "10.0.0.1:7000", "file-id"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if server != "10.0.0.1:7000" {
		t.Errorf("flag not parsed, got %q", server)
	}
	if len(rest) != 1 || rest[0] != "file-id" {
		t.Errorf("positional args wrong: %v", rest)
	}
}

func TestExecute_UnknownFlagSuggests(t *testing.T) {
	command := &Command{
		Name: "fetch",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			flags.String("output", "", "output path")
			return flags
		},
		Run: func([]string) error { return nil },
	}

	err := command.Execute([]string{"--outpot", "x"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "--output") {
		t.Errorf("expected suggestion for --output, got: %v", err)
	}
}

func TestExecute_SubcommandRequired(t *testing.T) {
	root := &Command{
		Name:        "pieceline",
		Subcommands: []*Command{{Name: "send"}},
	}

	if err := root.Execute(nil); err == nil {
		t.Fatal("expected error when no subcommand given")
	}
}

func TestPrintHelp_ListsSubcommandsAndExamples(t *testing.T) {
	root := &Command{
		Name:    "pieceline",
		Summary: "piece-addressed file transfer",
		Subcommands: []*Command{
			{Name: "send", Summary: "upload a file"},
			{Name: "fetch", Summary: "download a file"},
		},
		Examples: []Example{
			{Description: "upload a file", Command: "pieceline send ./artifact.tar"},
		},
	}

	var out strings.Builder
	root.PrintHelp(&out)
	help := out.String()

	for _, want := range []string{"send", "upload a file", "fetch", "pieceline send ./artifact.tar"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q:\n%s", want, help)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"send", "send", 0},
		{"send", "snd", 1},
		{"fetch", "fetc", 1},
		{"list", "info", 4},
	}
	for _, tc := range cases {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
