// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/internal/orchestrator/models"
)

func TestCreatePipelineValidation(t *testing.T) {
	env := newTestEnv(t, "pipeline_create_validation")
	ctx := context.Background()

	_, err := env.pipelines.CreatePipeline(ctx, PipelineParams{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = env.pipelines.CreatePipeline(ctx, PipelineParams{Name: "no-source"})
	assert.ErrorIs(t, err, ErrInvalid, "pipeline without image or repository must be rejected")

	pipeline, err := env.pipelines.CreatePipeline(ctx, PipelineParams{
		Name:             "repo-only",
		RepositorySSHURL: "git@example.com:org/repo.git",
		RepositoryBranch: "main",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pipeline.UUID)
}

func TestGetPipelineNotFound(t *testing.T) {
	env := newTestEnv(t, "pipeline_get_missing")

	_, err := env.pipelines.GetPipeline(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePipelineInUse(t *testing.T) {
	env := newTestEnv(t, "pipeline_delete_in_use")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "referenced")
	workflow, err := env.workflows.CreateWorkflow(ctx, WorkflowParams{Name: "holder"})
	require.NoError(t, err)
	node, err := env.workflows.CreateWorkflowPipeline(ctx, workflow.UUID, WorkflowPipelineSpec{
		PipelineUUID: pipeline.UUID,
	})
	require.NoError(t, err)

	err = env.pipelines.DeletePipeline(ctx, pipeline.UUID)
	assert.ErrorIs(t, err, ErrInUse)

	// dropping the node releases the pipeline
	require.NoError(t, env.workflows.DeleteWorkflowPipeline(ctx, workflow.UUID, node.UUID))
	require.NoError(t, env.pipelines.DeletePipeline(ctx, pipeline.UUID))

	_, err = env.pipelines.GetPipeline(ctx, pipeline.UUID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePipelineRunDispatches(t *testing.T) {
	env := newTestEnv(t, "run_create_dispatch")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "ingest")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{
		Inputs: []InputFile{{Name: "data.csv", URL: "https://example.com/data.csv"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, run.Sequence)
	assert.Equal(t, models.RunStateNotStarted, run.CurrentState())
	require.Len(t, run.States, 2)
	assert.Equal(t, models.RunStateQueued, run.States[0].Code)

	dispatches := env.exec.dispatched()
	require.Len(t, dispatches, 1)
	assert.Equal(t, pipeline.UUID, dispatches[0].PipelineUUID)
	assert.Equal(t, run.UUID, dispatches[0].RunUUID)
	assert.Equal(t, pipeline.DockerImageURL, dispatches[0].DockerImageURL)
	require.Len(t, dispatches[0].Inputs, 1)
	assert.Equal(t, "data.csv", dispatches[0].Inputs[0].Name)

	// sequence numbers are per pipeline
	second, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sequence)

	other := env.createPipeline(t, "other")
	otherRun, err := env.pipelines.CreatePipelineRun(ctx, other.UUID, CreateRunParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, otherRun.Sequence)
}

func TestCreatePipelineRunQueuedSkipsDispatch(t *testing.T) {
	env := newTestEnv(t, "run_create_queued")

	pipeline := env.createPipeline(t, "held")
	run, err := env.pipelines.CreatePipelineRun(context.Background(), pipeline.UUID, CreateRunParams{Queued: true})
	require.NoError(t, err)

	assert.Equal(t, models.RunStateQueued, run.CurrentState())
	assert.Empty(t, env.exec.dispatched())
}

func TestCreatePipelineRunInputValidation(t *testing.T) {
	env := newTestEnv(t, "run_input_validation")
	ctx := context.Background()
	pipeline := env.createPipeline(t, "strict")

	_, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{
		Inputs: []InputFile{{Name: "", URL: "https://example.com/x"}},
	})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{
		Inputs: []InputFile{{Name: "x", URL: "not a url"}},
	})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{
		CallbackURL: "::broken::",
	})
	assert.ErrorIs(t, err, ErrInvalid)

	assert.Empty(t, env.exec.dispatched(), "rejected runs must not dispatch")
}

func TestUpdatePipelineRunStateLifecycle(t *testing.T) {
	env := newTestEnv(t, "run_state_lifecycle")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "lifecycle")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	run, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State:    models.RunStateRunning,
		WorkerIP: "10.0.0.7",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, run.CurrentState())
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, "10.0.0.7", run.WorkerIP)
	assert.Nil(t, run.CompletedAt)

	// same-state report is an idempotent no-op
	logLen := len(run.States)
	run, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateRunning,
	})
	require.NoError(t, err)
	assert.Len(t, run.States, logLen)

	run, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, run.CurrentState())
	require.NotNil(t, run.CompletedAt)
}

func TestUpdatePipelineRunStateRejectsIllegalTransitions(t *testing.T) {
	env := newTestEnv(t, "run_state_illegal")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "strict-machine")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunState(42),
	})
	assert.ErrorIs(t, err, ErrInvalid)

	// NOT_STARTED cannot complete without running
	_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateCompleted,
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateCancelled,
	})
	require.NoError(t, err)

	// terminal runs accept nothing further
	_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateRunning,
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestConcurrentTerminalCallbacksKeepLogLegal(t *testing.T) {
	env := newTestEnv(t, "run_state_race")
	ctx := context.Background()
	pipeline := env.createPipeline(t, "raced")

	for round := 0; round < 20; round++ {
		run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
		require.NoError(t, err)
		_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID,
			UpdateRunStateParams{State: models.RunStateRunning})
		require.NoError(t, err)

		// two workers report conflicting terminal states at once; the loser
		// must be serialised behind the winner and rejected
		var wg sync.WaitGroup
		for _, state := range []models.RunState{models.RunStateCompleted, models.RunStateFailed} {
			wg.Add(1)
			go func(state models.RunState) {
				defer wg.Done()
				_, _ = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID,
					UpdateRunStateParams{State: state})
			}(state)
		}
		wg.Wait()

		loaded, err := env.pipelines.GetPipelineRun(ctx, pipeline.UUID, run.UUID)
		require.NoError(t, err)
		terminal := 0
		for i, entry := range loaded.States {
			if entry.Code.IsTerminal() {
				terminal++
			}
			if i > 0 {
				prev := loaded.States[i-1].Code
				assert.True(t, prev.CanTransitionTo(entry.Code),
					"state log grew an illegal edge %s->%s", prev, entry.Code)
			}
		}
		assert.Equal(t, 1, terminal, "only one terminal callback may land")
	}
}

func TestConcurrentRunCreationKeepsSequencesContiguous(t *testing.T) {
	env := newTestEnv(t, "run_sequence_race")
	ctx := context.Background()
	pipeline := env.createPipeline(t, "sequenced")

	const workers, perWorker = 2, 15
	var (
		mu        sync.Mutex
		sequences []int
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{Queued: true})
				if err != nil {
					// a contended creation may be rejected, never duplicated
					continue
				}
				mu.Lock()
				sequences = append(sequences, run.Sequence)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, sequences)
	sort.Ints(sequences)
	for i, seq := range sequences {
		assert.Equal(t, i+1, seq, "sequences must form a contiguous 1-based prefix without duplicates")
	}
}

func TestUpdatePipelineRunOutput(t *testing.T) {
	env := newTestEnv(t, "run_output")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "chatty")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	run, err = env.pipelines.UpdatePipelineRunOutput(ctx, pipeline.UUID, run.UUID, "hello\n", "warn\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", run.StdOut)
	assert.Equal(t, "warn\n", run.StdErr)

	// last writer wins
	run, err = env.pipelines.UpdatePipelineRunOutput(ctx, pipeline.UUID, run.UUID, "hello\nbye\n", "")
	require.NoError(t, err)
	assert.Equal(t, "hello\nbye\n", run.StdOut)
	assert.Empty(t, run.StdErr)
}

func TestCreatePipelineRunArtifact(t *testing.T) {
	env := newTestEnv(t, "run_artifact")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "producer")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	body := strings.NewReader("a,b\n1,2\n")
	artifact, err := env.pipelines.CreatePipelineRunArtifact(ctx, pipeline.UUID, run.UUID, "results.csv", body, int64(body.Len()))
	require.NoError(t, err)
	assert.Equal(t, "results.csv", artifact.Name)

	key := models.ArtifactKey(pipeline.UUID, run.UUID, artifact.UUID, "results.csv")
	env.store.mu.Lock()
	stored, ok := env.store.objects[key]
	env.store.mu.Unlock()
	require.True(t, ok, "artifact bytes must land under the canonical key")
	assert.Equal(t, "a,b\n1,2\n", string(stored))

	loaded, err := env.pipelines.GetPipelineRun(ctx, pipeline.UUID, run.UUID)
	require.NoError(t, err)
	require.Len(t, loaded.Artifacts, 1)
	assert.Equal(t, artifact.UUID, loaded.Artifacts[0].UUID)
}

func TestGetPipelineRunArtifactURL(t *testing.T) {
	env := newTestEnv(t, "artifact_download")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "producer")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	body := strings.NewReader("a,b\n1,2\n")
	artifact, err := env.pipelines.CreatePipelineRunArtifact(ctx, pipeline.UUID, run.UUID, "results.csv", body, int64(body.Len()))
	require.NoError(t, err)

	got, url, err := env.pipelines.GetPipelineRunArtifactURL(ctx, pipeline.UUID, run.UUID, artifact.UUID)
	require.NoError(t, err)
	assert.Equal(t, artifact.UUID, got.UUID)
	key := models.ArtifactKey(pipeline.UUID, run.UUID, artifact.UUID, "results.csv")
	assert.Equal(t, "https://store.test/"+key+"?sig=test", url)

	_, _, err = env.pipelines.GetPipelineRunArtifactURL(ctx, pipeline.UUID, run.UUID, models.NewUUID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePipelineRunArtifactSanitisesFilename(t *testing.T) {
	env := newTestEnv(t, "run_artifact_sanitise")
	ctx := context.Background()

	pipeline := env.createPipeline(t, "careful")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{})
	require.NoError(t, err)

	artifact, err := env.pipelines.CreatePipelineRunArtifact(ctx, pipeline.UUID, run.UUID,
		"../../etc/passwd", strings.NewReader("x"), 1)
	require.NoError(t, err)
	assert.Equal(t, "passwd", artifact.Name)

	_, err = env.pipelines.CreatePipelineRunArtifact(ctx, pipeline.UUID, run.UUID,
		"...", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"results.csv", "results.csv", true},
		{"  padded.txt ", "padded.txt", true},
		{"dir/sub/file.json", "file.json", true},
		{`win\path\file.bin`, "file.bin", true},
		{".hidden", "hidden", true},
		{"..", "", false},
		{"", "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		got, err := sanitizeFilename(tc.in)
		if tc.ok {
			require.NoError(t, err, "input %q", tc.in)
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalid, "input %q", tc.in)
		}
	}
}

func TestRunStateCallbackNotification(t *testing.T) {
	received := make(chan RunStateNotification, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n RunStateNotification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	env := newTestEnv(t, "run_callback")
	env.pipelines.notifier = NewCallbackNotifier(5 * time.Second)
	ctx := context.Background()

	pipeline := env.createPipeline(t, "notifying")
	run, err := env.pipelines.CreatePipelineRun(ctx, pipeline.UUID, CreateRunParams{
		CallbackURL: server.URL,
	})
	require.NoError(t, err)

	_, err = env.pipelines.UpdatePipelineRunState(ctx, pipeline.UUID, run.UUID, UpdateRunStateParams{
		State: models.RunStateRunning,
	})
	require.NoError(t, err)

	select {
	case n := <-received:
		assert.Equal(t, run.UUID, n.PipelineRunUUID)
		assert.Equal(t, "RUNNING", n.State)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never arrived")
	}
}
