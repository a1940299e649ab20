// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

// stubExecutor swallows dispatches; handler tests drive state through the API.
type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, services.ExecuteRequest) error { return nil }

func (stubExecutor) Cancel(context.Context, string) error { return nil }

// stubStore keeps artifact bytes in memory.
type stubStore struct {
	objects map[string][]byte
}

func (s *stubStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

func (s *stubStore) PresignGet(_ context.Context, key string) (string, error) {
	return "https://store.test/" + key, nil
}

func newTestAPI(t *testing.T, name string) *httptest.Server {
	t.Helper()
	dbFile := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(dbFile) })

	db, err := database.NewGormDB(&config.DatabaseConfig{Driver: "sqlite", Database: dbFile})
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")

	pipelines := services.NewPipelineService(db, &stubStore{objects: map[string][]byte{}}, stubExecutor{}, nil)
	workflows := services.NewWorkflowService(db)
	scheduler := services.NewSchedulerService(db, pipelines, workflows, stubExecutor{})

	srv := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, 1<<20, pipelines, workflows, scheduler)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out when non-nil.
func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createPipelineHTTP(t *testing.T, base, name string) string {
	t.Helper()
	var created struct {
		UUID string `json:"uuid"`
	}
	status := doJSON(t, http.MethodPost, base+"/v1/pipelines", map[string]string{
		"name":             name,
		"docker_image_url": "registry.example.com/" + name + ":latest",
	}, &created)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, created.UUID)
	return created.UUID
}

func TestPipelineEndpoints(t *testing.T) {
	ts := newTestAPI(t, "http_pipelines")

	uuid := createPipelineHTTP(t, ts.URL, "census-etl")

	var listed []map[string]interface{}
	status := doJSON(t, http.MethodGet, ts.URL+"/v1/pipelines", nil, &listed)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, listed, 1)
	assert.Equal(t, "census-etl", listed[0]["name"])

	var fetched map[string]interface{}
	status = doJSON(t, http.MethodGet, ts.URL+"/v1/pipelines/"+uuid, nil, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, uuid, fetched["uuid"])

	status = doJSON(t, http.MethodPut, ts.URL+"/v1/pipelines/"+uuid, map[string]string{
		"name":             "census-etl-v2",
		"docker_image_url": "registry.example.com/census:v2",
	}, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "census-etl-v2", fetched["name"])

	var searched []map[string]interface{}
	status = doJSON(t, http.MethodPost, ts.URL+"/v1/pipelines/search", map[string][]string{
		"uuids": {uuid, "deadbeefdeadbeefdeadbeefdeadbeef"},
	}, &searched)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, searched, 1)

	var deleted map[string]string
	status = doJSON(t, http.MethodDelete, ts.URL+"/v1/pipelines/"+uuid, nil, &deleted)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deleted", deleted["status"])

	status = doJSON(t, http.MethodGet, ts.URL+"/v1/pipelines/"+uuid, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPipelineValidationErrors(t *testing.T) {
	ts := newTestAPI(t, "http_pipeline_validation")

	var body map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/pipelines", map[string]string{"name": ""}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "invalid input")

	// malformed JSON
	resp, err := http.Post(ts.URL+"/v1/pipelines", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunEndpoints(t *testing.T) {
	ts := newTestAPI(t, "http_runs")
	pipelineUUID := createPipelineHTTP(t, ts.URL, "runner")
	runsURL := ts.URL + "/v1/pipelines/" + pipelineUUID + "/runs"

	var run struct {
		UUID     string `json:"uuid"`
		Sequence int    `json:"sequence"`
	}
	status := doJSON(t, http.MethodPost, runsURL, map[string]interface{}{
		"inputs": []map[string]string{{"name": "data.csv", "url": "https://example.com/data.csv"}},
	}, &run)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, run.Sequence)

	// worker reports progress; the state name is case-insensitive
	var updated struct {
		States []struct {
			State string `json:"state"`
		} `json:"states"`
	}
	status = doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/state",
		map[string]string{"state": "running"}, &updated)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, updated.States)
	assert.Equal(t, "RUNNING", updated.States[len(updated.States)-1].State)

	// junk state name
	var failure map[string]string
	status = doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/state",
		map[string]string{"state": "EXPLODED"}, &failure)
	assert.Equal(t, http.StatusBadRequest, status)

	// console roundtrip
	status = doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/console",
		map[string]string{"stdout": "line 1\n", "stderr": ""}, nil)
	require.Equal(t, http.StatusOK, status)

	var console struct {
		StdOut string `json:"stdout"`
		StdErr string `json:"stderr"`
	}
	status = doJSON(t, http.MethodGet, runsURL+"/"+run.UUID+"/console", nil, &console)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "line 1\n", console.StdOut)

	var listed []map[string]interface{}
	status = doJSON(t, http.MethodGet, runsURL, nil, &listed)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, listed, 1)

	status = doJSON(t, http.MethodGet, runsURL+"/deadbeefdeadbeefdeadbeefdeadbeef", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRunStateRejectsIllegalTransition(t *testing.T) {
	ts := newTestAPI(t, "http_run_terminal")
	pipelineUUID := createPipelineHTTP(t, ts.URL, "once")
	runsURL := ts.URL + "/v1/pipelines/" + pipelineUUID + "/runs"

	var run struct {
		UUID string `json:"uuid"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, runsURL, map[string]interface{}{}, &run))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/state",
		map[string]string{"state": "RUNNING"}, nil))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/state",
		map[string]string{"state": "COMPLETED"}, nil))

	// a late worker callback on a settled run
	var body map[string]string
	status := doJSON(t, http.MethodPost, runsURL+"/"+run.UUID+"/state",
		map[string]string{"state": "RUNNING"}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "invalid run state transition")
}

func TestArtifactUpload(t *testing.T) {
	ts := newTestAPI(t, "http_artifacts")
	pipelineUUID := createPipelineHTTP(t, ts.URL, "producer")
	runsURL := ts.URL + "/v1/pipelines/" + pipelineUUID + "/runs"

	var run struct {
		UUID string `json:"uuid"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, runsURL, map[string]interface{}{}, &run))

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "results.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := http.Post(runsURL+"/"+run.UUID+"/artifacts", writer.FormDataContentType(), &form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var artifact struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&artifact))
	assert.Equal(t, "results.csv", artifact.Name)
	assert.NotEmpty(t, artifact.UUID)

	var download struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	status := doJSON(t, http.MethodGet, runsURL+"/"+run.UUID+"/artifacts/"+artifact.UUID, nil, &download)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, artifact.UUID, download.UUID)
	assert.Equal(t, "results.csv", download.Name)
	assert.Contains(t, download.URL, "https://store.test/")
	assert.Contains(t, download.URL, artifact.UUID)

	status = doJSON(t, http.MethodGet, runsURL+"/"+run.UUID+"/artifacts/feedfacefeedfacefeedfacefeedface", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// missing part
	resp, err = http.Post(runsURL+"/"+run.UUID+"/artifacts", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowGraphEndpoints(t *testing.T) {
	ts := newTestAPI(t, "http_workflows")

	var workflow struct {
		UUID string `json:"uuid"`
	}
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]string{"name": "analysis"}, &workflow)
	require.Equal(t, http.StatusOK, status)
	wfURL := ts.URL + "/v1/workflows/" + workflow.UUID

	pipelineA := createPipelineHTTP(t, ts.URL, "extract")
	pipelineB := createPipelineHTTP(t, ts.URL, "transform")

	var nodeA struct {
		UUID string `json:"uuid"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, wfURL+"/pipelines",
		map[string]interface{}{"pipeline_uuid": pipelineA}, &nodeA))

	var nodeB struct {
		UUID                     string   `json:"uuid"`
		SourceWorkflowPipelines  []string `json:"source_workflow_pipelines"`
		DestWorkflowPipelines    []string `json:"destination_workflow_pipelines"`
		PipelineUUIDFromResponse string   `json:"pipeline_uuid"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, wfURL+"/pipelines", map[string]interface{}{
		"pipeline_uuid":             pipelineB,
		"source_workflow_pipelines": []string{nodeA.UUID},
	}, &nodeB))
	assert.Equal(t, []string{nodeA.UUID}, nodeB.SourceWorkflowPipelines)
	assert.Equal(t, pipelineB, nodeB.PipelineUUIDFromResponse)

	// closing the loop is rejected with 400
	var failure map[string]string
	status = doJSON(t, http.MethodPut, wfURL+"/pipelines/"+nodeA.UUID, map[string]interface{}{
		"pipeline_uuid":                  pipelineA,
		"source_workflow_pipelines":      []string{nodeB.UUID},
		"destination_workflow_pipelines": []string{nodeB.UUID},
	}, &failure)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, failure["error"], "cycle")

	// a referenced pipeline cannot be deleted
	status = doJSON(t, http.MethodDelete, ts.URL+"/v1/pipelines/"+pipelineA, nil, &failure)
	assert.Equal(t, http.StatusConflict, status)

	var views []map[string]interface{}
	status = doJSON(t, http.MethodGet, wfURL+"/pipelines", nil, &views)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, views, 2)
}

func TestWorkflowRunEndpoints(t *testing.T) {
	ts := newTestAPI(t, "http_workflow_runs")

	var workflow struct {
		UUID string `json:"uuid"`
	}
	require.Equal(t, http.StatusOK,
		doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]string{"name": "pipeline-of-pipelines"}, &workflow))
	wfURL := ts.URL + "/v1/workflows/" + workflow.UUID

	pipelineUUID := createPipelineHTTP(t, ts.URL, "only-step")
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, wfURL+"/pipelines",
		map[string]interface{}{"pipeline_uuid": pipelineUUID}, nil))

	type wrView struct {
		UUID     string `json:"uuid"`
		NodeRuns []struct {
			WorkflowPipelineUUID string `json:"workflow_pipeline_uuid"`
			PipelineRunUUID      string `json:"pipeline_run_uuid"`
			State                string `json:"state"`
		} `json:"workflow_pipeline_runs"`
	}
	var created wrView
	status := doJSON(t, http.MethodPost, wfURL+"/runs", map[string]interface{}{
		"inputs": []map[string]string{{"name": "seed.csv", "url": "https://example.com/seed.csv"}},
	}, &created)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, created.NodeRuns, 1)
	assert.Equal(t, "NOT_STARTED", created.NodeRuns[0].State)

	var fetched wrView
	status = doJSON(t, http.MethodGet, wfURL+"/runs/"+created.UUID, nil, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.UUID, fetched.UUID)

	var listed []wrView
	status = doJSON(t, http.MethodGet, wfURL+"/runs", nil, &listed)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, listed, 1)

	// empty workflows cannot run
	var emptyWF struct {
		UUID string `json:"uuid"`
	}
	require.Equal(t, http.StatusOK,
		doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]string{"name": "hollow"}, &emptyWF))
	var failure map[string]string
	status = doJSON(t, http.MethodPost, ts.URL+"/v1/workflows/"+emptyWF.UUID+"/runs", map[string]interface{}{}, &failure)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, failure["error"], "no runnable roots")
}
