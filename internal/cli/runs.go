// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"
	"time"
)

type runDetails struct {
	UUID     string `json:"uuid"`
	Sequence int    `json:"sequence"`
	WorkerIP string `json:"worker_ip"`
	States   []struct {
		State     string    `json:"state"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"states"`
}

// runCommand starts a run of a pipeline. Inputs are name=url pairs.
func runCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s run <pipeline-uuid> [name=url ...]", appName)
	}
	pipelineUUID := args[0]

	type inputFile struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	var inputs []inputFile
	for _, arg := range args[1:] {
		name, url, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("input %q is not of the form name=url", arg)
		}
		inputs = append(inputs, inputFile{Name: name, URL: url})
	}

	client := newAPIClient()
	var run runDetails
	err := client.post("/v1/pipelines/"+pipelineUUID+"/runs",
		map[string]interface{}{"inputs": inputs}, &run)
	if err != nil {
		return err
	}

	fmt.Printf("Started run %s (sequence %d)\n", run.UUID, run.Sequence)
	return nil
}

func statusCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s status <pipeline-uuid> <run-uuid>", appName)
	}

	client := newAPIClient()
	var run runDetails
	if err := client.get("/v1/pipelines/"+args[0]+"/runs/"+args[1], &run); err != nil {
		return err
	}

	fmt.Printf("Run %s (sequence %d)\n", run.UUID, run.Sequence)
	if run.WorkerIP != "" {
		fmt.Printf("Worker: %s\n", run.WorkerIP)
	}
	for _, entry := range run.States {
		fmt.Printf("  %s  %s\n", entry.CreatedAt.Format(time.RFC3339), entry.State)
	}
	return nil
}

func consoleCommand(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s console <pipeline-uuid> <run-uuid>", appName)
	}

	client := newAPIClient()
	var console struct {
		StdOut string `json:"stdout"`
		StdErr string `json:"stderr"`
	}
	if err := client.get("/v1/pipelines/"+args[0]+"/runs/"+args[1]+"/console", &console); err != nil {
		return err
	}

	if console.StdOut != "" {
		fmt.Print(console.StdOut)
		if !strings.HasSuffix(console.StdOut, "\n") {
			fmt.Println()
		}
	}
	if console.StdErr != "" {
		fmt.Println("--- stderr ---")
		fmt.Print(console.StdErr)
		if !strings.HasSuffix(console.StdErr, "\n") {
			fmt.Println()
		}
	}
	return nil
}
