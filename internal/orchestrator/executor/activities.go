// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

// ReportRunStateInput carries one state callback.
type ReportRunStateInput struct {
	PipelineUUID string `json:"pipeline_uuid"`
	RunUUID      string `json:"run_uuid"`
	State        string `json:"state"`
}

// WorkspacePaths locates the run's scratch directories on the worker host.
// RootDir is bind-mounted into the container as /workspace.
type WorkspacePaths struct {
	RootDir   string `json:"root_dir"`
	InputDir  string `json:"input_dir"`
	OutputDir string `json:"output_dir"`
}

// RunContainerInput pairs the dispatch request with its staged workspace.
type RunContainerInput struct {
	Request   services.ExecuteRequest `json:"request"`
	Workspace WorkspacePaths          `json:"workspace"`
}

// ContainerRunResult carries the container's exit code and captured streams.
type ContainerRunResult struct {
	ExitCode int    `json:"exit_code"`
	StdOut   string `json:"std_out"`
	StdErr   string `json:"std_err"`
}

// PublishConsoleInput carries the console callback.
type PublishConsoleInput struct {
	PipelineUUID string `json:"pipeline_uuid"`
	RunUUID      string `json:"run_uuid"`
	StdOut       string `json:"stdout"`
	StdErr       string `json:"stderr"`
}

// UploadArtifactsInput points at the output directory to harvest.
type UploadArtifactsInput struct {
	PipelineUUID string `json:"pipeline_uuid"`
	RunUUID      string `json:"run_uuid"`
	OutputDir    string `json:"output_dir"`
}

// RunActivities implements the worker-side activities of
// PipelineRunWorkflow. One instance is shared by all concurrent runs.
type RunActivities struct {
	cfg    *config.ExecutorConfig
	docker *dockerclient.Client
	client *http.Client
}

// NewRunActivities connects to the docker daemon named in the configuration.
func NewRunActivities(cfg *config.ExecutorConfig) (*RunActivities, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(cfg.DockerHost))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	docker, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &RunActivities{
		cfg:    cfg,
		docker: docker,
		client: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Close releases the docker connection.
func (a *RunActivities) Close() error {
	return a.docker.Close()
}

func (a *RunActivities) runURL(pipelineUUID, runUUID, suffix string) string {
	return fmt.Sprintf("%s/v1/pipelines/%s/runs/%s/%s",
		strings.TrimRight(a.cfg.APIBaseURL, "/"), pipelineUUID, runUUID, suffix)
}

// postJSON posts one JSON payload to the core API. 4xx responses are
// permanent (e.g. a state callback racing a cancellation) and must not be
// retried.
func (a *RunActivities) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("callback to %s rejected with status %d", url, resp.StatusCode),
			"CallbackRejected", nil)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// ReportRunStateActivity posts a state callback for the run.
func (a *RunActivities) ReportRunStateActivity(ctx context.Context, input ReportRunStateInput) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Reporting run state", "runUUID", input.RunUUID, "state", input.State)

	return a.postJSON(ctx, a.runURL(input.PipelineUUID, input.RunUUID, "state"),
		map[string]string{"state": input.State})
}

// PrepareWorkspaceActivity creates the run's scratch directories and stages
// every input file into them.
func (a *RunActivities) PrepareWorkspaceActivity(ctx context.Context, input services.ExecuteRequest) (*WorkspacePaths, error) {
	logger := activity.GetLogger(ctx)

	root, err := os.MkdirTemp("", "flume-run-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	paths := &WorkspacePaths{
		RootDir:   root,
		InputDir:  filepath.Join(root, "input"),
		OutputDir: filepath.Join(root, "output"),
	}
	for _, dir := range []string{paths.InputDir, paths.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	for _, file := range input.Inputs {
		activity.RecordHeartbeat(ctx, "downloading "+file.Name)
		if err := a.downloadInput(ctx, file, paths.InputDir); err != nil {
			return nil, err
		}
	}

	logger.Info("Workspace prepared", "runUUID", input.RunUUID, "root", root, "inputs", len(input.Inputs))
	return paths, nil
}

func (a *RunActivities) downloadInput(ctx context.Context, file services.InputFile, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build input request for %s: %w", file.Name, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download input %s: %w", file.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("input %s download returned status %d", file.Name, resp.StatusCode)
	}

	dst, err := os.Create(filepath.Join(dir, path.Base(file.Name)))
	if err != nil {
		return fmt.Errorf("failed to create input file %s: %w", file.Name, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("failed to write input file %s: %w", file.Name, err)
	}
	return nil
}

// RunContainerActivity pulls the pipeline image and runs it to completion
// with the workspace bind-mounted at /workspace. Repository pipelines get a
// shallow clone staged at /workspace/repo first.
func (a *RunActivities) RunContainerActivity(ctx context.Context, input RunContainerInput) (*ContainerRunResult, error) {
	logger := activity.GetLogger(ctx)
	req := input.Request

	if req.RepositorySSHURL != "" {
		activity.RecordHeartbeat(ctx, "cloning repository")
		if err := cloneRepository(ctx, req, filepath.Join(input.Workspace.RootDir, "repo")); err != nil {
			return nil, err
		}
	}

	if req.DockerImageURL == "" {
		return nil, temporal.NewNonRetryableApplicationError(
			"pipeline has no docker image to execute", "NoImage", nil)
	}

	activity.RecordHeartbeat(ctx, "pulling image")
	pull, err := a.docker.ImagePull(ctx, req.DockerImageURL, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", req.DockerImageURL, err)
	}
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return nil, fmt.Errorf("failed to read image pull stream: %w", err)
	}
	pull.Close()

	containerConfig := &container.Config{
		Image:      req.DockerImageURL,
		WorkingDir: "/workspace",
		Env: []string{
			"FLUME_INPUT_DIR=/workspace/input",
			"FLUME_OUTPUT_DIR=/workspace/output",
			"FLUME_RUN_UUID=" + req.RunUUID,
		},
	}
	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", input.Workspace.RootDir)},
	}

	created, err := a.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		"flume-run-"+req.RunUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := a.docker.ContainerRemove(context.WithoutCancel(ctx), created.ID,
			container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", "containerID", created.ID, "error", err)
		}
	}()

	if err := a.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	activity.RecordHeartbeat(ctx, "waiting for container")
	waitCh, errCh := a.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	logs, err := a.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	logger.Info("Container finished", "runUUID", req.RunUUID, "exitCode", exitCode)
	return &ContainerRunResult{
		ExitCode: exitCode,
		StdOut:   stdout.String(),
		StdErr:   stderr.String(),
	}, nil
}

// cloneRepository stages a shallow clone of the pipeline repository.
func cloneRepository(ctx context.Context, req services.ExecuteRequest, dir string) error {
	args := []string{"clone", "--depth", "1"}
	if req.RepositoryBranch != "" {
		args = append(args, "--branch", req.RepositoryBranch)
	}
	args = append(args, req.RepositorySSHURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to clone %s: %w: %s", req.RepositorySSHURL, err, stderr.String())
	}
	return nil
}

// PublishConsoleActivity posts the captured console streams to the core.
func (a *RunActivities) PublishConsoleActivity(ctx context.Context, input PublishConsoleInput) error {
	return a.postJSON(ctx, a.runURL(input.PipelineUUID, input.RunUUID, "console"),
		map[string]string{"stdout": input.StdOut, "stderr": input.StdErr})
}

// UploadArtifactsActivity harvests every file from the run's output
// directory and uploads each through the multipart artifact endpoint.
func (a *RunActivities) UploadArtifactsActivity(ctx context.Context, input UploadArtifactsInput) error {
	logger := activity.GetLogger(ctx)

	uploaded := 0
	err := filepath.WalkDir(input.OutputDir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		activity.RecordHeartbeat(ctx, "uploading "+entry.Name())
		if err := a.uploadArtifact(ctx, input, p, entry.Name()); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Uploaded artifacts", "runUUID", input.RunUUID, "count", uploaded)
	return nil
}

func (a *RunActivities) uploadArtifact(ctx context.Context, input UploadArtifactsInput, filePath, name string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", name, err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("failed to build artifact form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish artifact form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.runURL(input.PipelineUUID, input.RunUUID, "artifacts"), &body)
	if err != nil {
		return fmt.Errorf("failed to build artifact request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("artifact %s upload returned status %d", name, resp.StatusCode)
	}
	return nil
}

// CleanupWorkspaceActivity removes the run's scratch directories.
func (a *RunActivities) CleanupWorkspaceActivity(_ context.Context, workspace WorkspacePaths) error {
	if workspace.RootDir == "" {
		return nil
	}
	return os.RemoveAll(workspace.RootDir)
}
