// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "flumectl"
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
	case "pipelines":
		return pipelinesCommand(args)
	case "workflows":
		return workflowsCommand(args)
	case "run":
		return runCommand(args)
	case "status":
		return statusCommand(args)
	case "console":
		return consoleCommand(args)
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
	fmt.Printf(`%s - workflow runtime client

Usage:
  %s <command> [arguments]

Commands:
  pipelines               List pipelines
  workflows               List workflows and their runs
  run <pipeline-uuid>     Start a run of a pipeline
  status <pipeline-uuid> <run-uuid>   Show a run's state log
  console <pipeline-uuid> <run-uuid>  Show a run's captured output
  version                 Print version information
  help                    Show this help message

The API address is taken from FLUME_API (default http://localhost:8080).

Examples:
  %s pipelines
  %s run 6f3e1c9a41b24b6f9d0b3f5b8c2d7a10
  %s status 6f3e1c9a41b24b6f9d0b3f5b8c2d7a10 0a1b2c3d4e5f60718293a4b5c6d7e8f9

`, appName, appName, appName, appName, appName)
	return nil
}
