// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import "fmt"

type workflowSummary struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type workflowRunSummary struct {
	UUID     string `json:"uuid"`
	NodeRuns []struct {
		WorkflowPipelineUUID string `json:"workflow_pipeline_uuid"`
		PipelineRunUUID      string `json:"pipeline_run_uuid"`
		State                string `json:"state"`
	} `json:"workflow_pipeline_runs"`
}

func workflowsCommand(args []string) error {
	client := newAPIClient()

	var workflows []workflowSummary
	if err := client.get("/v1/workflows", &workflows); err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows.")
		return nil
	}

	for _, wf := range workflows {
		fmt.Printf("%s  %s\n", wf.UUID, wf.Name)

		var runs []workflowRunSummary
		if err := client.get("/v1/workflows/"+wf.UUID+"/runs", &runs); err != nil {
			return err
		}
		for _, run := range runs {
			fmt.Printf("  run %s\n", run.UUID)
			for _, nr := range run.NodeRuns {
				fmt.Printf("    %-34s %s\n", nr.PipelineRunUUID, nr.State)
			}
		}
	}
	return nil
}
