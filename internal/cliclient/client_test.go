// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cliclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWorkflowPostsInputAndDecodesRunID(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody RunRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RunResult{RunID: "run-123"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.RunWorkflow(context.Background(), "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)
	assert.Equal(t, "run-123", result.RunID)
	assert.Equal(t, "/workflows/deploy/run", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "main", gotBody.Input.(map[string]any)["branch"])
}

func TestResumeWorkflowHitsResumePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflows/deploy/resume/run-1", r.URL.Path)
		json.NewEncoder(w).Encode(RunResult{RunID: "run-1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.ResumeWorkflow(context.Background(), "deploy", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", result.RunID)
}

func TestCancelRunSendsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/run-1/cancel", r.URL.Path)
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.CancelRun(context.Background(), "run-1"))
}

func TestGetRunDecodesArbitraryJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/run-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": "running"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	run, err := c.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "running", run["status"])
}

func TestGetTraceDecodesArbitraryJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/run-1/trace", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"events": []any{}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	trace, err := c.GetTrace(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NotNil(t, trace["events"])
}

func TestResolveCheckpointPostsValue(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/run-1/checkpoints/cp-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.ResolveCheckpoint(context.Background(), "run-1", "cp-1", "approved"))
	assert.Equal(t, "approved", gotBody["value"])
}

func TestDoReturnsClientErrorOnHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("run not found"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetRun(context.Background(), "missing")
	require.Error(t, err)

	var clientErr *runbookerrors.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, "http_status", clientErr.Kind)
	assert.Equal(t, http.StatusNotFound, clientErr.StatusCode)
	assert.True(t, clientErr.IsRetryable() == false)
}

func TestDoReturnsClientErrorOnUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.GetRun(context.Background(), "run-1")
	require.Error(t, err)

	var clientErr *runbookerrors.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, "unreachable", clientErr.Kind)
	assert.True(t, clientErr.IsRetryable())
}

func TestNewDefaultsBaseURL(t *testing.T) {
	c := New("")
	assert.Equal(t, "http://localhost:4400", c.baseURL)
}
