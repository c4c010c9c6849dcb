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

package engine

import "github.com/f0rbit/runbook/pkg/trace"

// Snapshot is a replay summary used to resume a workflow, skipping steps
// whose outputs were already captured.
type Snapshot struct {
	RunID          string
	WorkflowID     string
	Input          any
	CompletedSteps map[string]any
	ResumeAt       string
	TraceEvents    []trace.Event
}

// allBranchesCompleted reports whether every branch of a Parallel node has a
// recorded output in the snapshot: resuming a parallel node is all-or-nothing,
// never partial.
func allBranchesCompleted(p Parallel, completed map[string]any) bool {
	for _, br := range p.Branches {
		if _, ok := completed[br.Step.ID]; !ok {
			return false
		}
	}
	return true
}
