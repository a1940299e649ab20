// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"time"
)

type pipelineSummary struct {
	UUID           string    `json:"uuid"`
	Name           string    `json:"name"`
	DockerImageURL string    `json:"docker_image_url"`
	CreatedAt      time.Time `json:"created_at"`
}

func pipelinesCommand(args []string) error {
	client := newAPIClient()

	var pipelines []pipelineSummary
	if err := client.get("/v1/pipelines", &pipelines); err != nil {
		return err
	}
	if len(pipelines) == 0 {
		fmt.Println("No pipelines.")
		return nil
	}

	fmt.Printf("%-34s %-24s %s\n", "UUID", "NAME", "IMAGE")
	for _, p := range pipelines {
		fmt.Printf("%-34s %-24s %s\n", p.UUID, p.Name, p.DockerImageURL)
	}
	return nil
}
