// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the flowmill command line: validating pipeline
// definitions and executing them against a local engine, streaming
// progress to the terminal.
package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "flowmill"
	appVersion = "0.1.0-alpha"
)

// Execute runs the CLI application
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		return runCommand(args)
	case "validate":
		return validateCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - pipeline execution engine

Usage:
  %s <command> [arguments]

Commands:
  run       Execute a pipeline file against a local engine
  validate  Validate a pipeline file without executing it
  version   Print version information
  help      Show this help message

Examples:
  %s run -f pipeline.yaml
  %s run -f pipeline.yaml -var topic=databases -var tone=casual
  %s run -f pipeline.yaml -dry-run
  %s validate -f pipeline.yaml

`, appName, appName, appName, appName, appName, appName)
	return nil
}
