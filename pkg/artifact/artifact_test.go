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

package artifact

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/f0rbit/runbook/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Init(filepath.Join(t.TempDir(), "artifacts.git"))
	require.NoError(t, err)
	return s
}

func sampleRun(runID string) StorableRun {
	tr := trace.Trace{
		RunID:      runID,
		WorkflowID: "deploy",
		Status:     trace.StatusSuccess,
		DurationMs: 120,
		Events: []trace.Event{
			trace.StepStart("build", map[string]any{"target": "prod"}),
			trace.StepComplete("build", map[string]any{"artifact": "bin"}, 100),
		},
	}
	return StorableRun{
		RunID:      runID,
		WorkflowID: "deploy",
		Input:      map[string]any{"target": "prod"},
		Output:     map[string]any{"artifact": "bin"},
		DurationMs: 120,
		StartedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Trace:      tr,
	}
}

func TestStoreAndGetTrace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(sampleRun("run-1")))

	tr, err := s.GetTrace("run-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", tr.WorkflowID)
	assert.Len(t, tr.Events, 2)
}

func TestStoreSynthesizesStepArtifactsFromTrace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(sampleRun("run-1")))

	steps, err := s.GetStepArtifacts("run-1")
	require.NoError(t, err)
	require.Contains(t, steps, "build")
	assert.Equal(t, map[string]any{"target": "prod"}, steps["build"].Input)
	assert.Equal(t, map[string]any{"artifact": "bin"}, steps["build"].Output)
}

func TestStoreOverlayTakesPrecedenceOverDerivedOutput(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun("run-1")
	run.Steps = map[string]StepArtifact{
		"build": {Prompt: "build it", Response: map[string]any{"ok": true}},
	}
	require.NoError(t, s.Store(run))

	steps, err := s.GetStepArtifacts("run-1")
	require.NoError(t, err)
	assert.Equal(t, "build it", steps["build"].Prompt)
	assert.Equal(t, map[string]any{"ok": true}, steps["build"].Response)
	// derived input/output survive the overlay since it left them nil
	assert.Equal(t, map[string]any{"target": "prod"}, steps["build"].Input)
}

func TestListFiltersByWorkflowAndOrdersDescending(t *testing.T) {
	s := newTestStore(t)
	older := sampleRun("run-1")
	older.StartedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleRun("run-2")
	newer.StartedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	other := sampleRun("run-3")
	other.WorkflowID = "other-workflow"
	other.StartedAt = time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Store(older))
	require.NoError(t, s.Store(newer))
	require.NoError(t, s.Store(other))

	runs, err := s.List("deploy", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, "run-1", runs[1].RunID)
}

func TestListRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		run := sampleRun(id)
		run.StartedAt = time.Date(2026, 1, i+1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.Store(run))
	}

	runs, err := s.List("", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestLinkToCommitPreservesTreeAndSetsSHA(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(sampleRun("run-1")))

	require.NoError(t, s.LinkToCommit("run-1", "abc123"))

	tr, err := s.GetTrace("run-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", tr.WorkflowID)

	runs, err := s.List("deploy", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestGetTraceUnknownRunErrors(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTrace("does-not-exist")
	assert.Error(t, err)
}
