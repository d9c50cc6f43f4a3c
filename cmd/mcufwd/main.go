// SPDX-FileCopyrightText: (C) 2025 Silicon RoT Project Authors
// SPDX-License-Identifier: Apache 2.0

// mcufwd drives the firmware update and attestation cores against the
// software crypto-engine model, for bench testing without hardware.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"hermannm.dev/devlog"
)

// level is shared with the subcommands so -debug can lower it.
var level slog.LevelVar

func usage() {
	fmt.Fprint(os.Stderr, "Usage: mcufwd <command> [options]\n\nCommands:\n")
	fmt.Fprint(os.Stderr, "  update  transfer a firmware bundle to the simulated device over PLDM\n")
	fmt.Fprint(os.Stderr, "  attest  verify device identity and measurements over SPDM\n")
	for _, fs := range []*flag.FlagSet{updateFlags, attestFlags} {
		fmt.Fprintf(os.Stderr, "\nOptions for %s:\n", fs.Name())
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
	}
}

func main() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &level,
	})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var fs *flag.FlagSet
	var run func() error
	switch cmd := os.Args[1]; cmd {
	case "update", "u":
		fs, run = updateFlags, update
	case "attest", "a":
		fs, run = attestFlags, attest
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "mcufwd: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}
	if err := run(); err != nil {
		slog.Error(fs.Name()+" failed", "error", err)
		os.Exit(2)
	}
}
