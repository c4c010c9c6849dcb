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

package trace_test

import (
	"errors"
	"testing"

	"github.com/f0rbit/runbook/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorEmitOrderingAndSnapshot(t *testing.T) {
	c := trace.NewCollector("run-1", "wf-1")

	var seen []trace.EventType
	c.OnTrace(func(e trace.Event) {
		seen = append(seen, e.Type)
	})

	c.Emit(trace.WorkflowStart())
	c.Emit(trace.StepStart("double", 5))
	c.Emit(trace.StepComplete("double", 10, 2))
	c.Emit(trace.WorkflowComplete(10, 5))

	require.Len(t, seen, 4)
	assert.Equal(t, trace.EventWorkflowStart, seen[0])
	assert.Equal(t, trace.EventWorkflowComplete, seen[len(seen)-1])

	snap := c.Snapshot(trace.StatusSuccess, 5)
	require.Len(t, snap.Events, 4)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, trace.StatusSuccess, snap.Status)
}

func TestEventErrorTextPopulatedOnEmit(t *testing.T) {
	c := trace.NewCollector("run-2", "wf-2")
	c.Emit(trace.StepError("boom-step", errors.New("kaboom"), 1))

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "kaboom", events[0].ErrorText)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := trace.NewCollector("run-3", "wf-3")
	c.Emit(trace.WorkflowStart())

	snap := c.Snapshot(trace.StatusSuccess, 0)
	c.Emit(trace.WorkflowComplete(nil, 0))

	assert.Len(t, snap.Events, 1, "snapshot must not observe events emitted after it was taken")
}
