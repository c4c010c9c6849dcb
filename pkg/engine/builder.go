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

import "github.com/f0rbit/runbook/pkg/schema"

// Builder collects StepNodes and freezes them into a Workflow. The zero
// value is not usable; construct one with Define.
type Builder struct {
	inputSchema *schema.Schema
	steps       []StepNode
}

// Define starts a new Builder for a workflow accepting inputSchema.
func Define(inputSchema *schema.Schema) *Builder {
	return &Builder{inputSchema: inputSchema}
}

// Pipe appends a Sequential node.
func (b *Builder) Pipe(step *Step, mapper Mapper) *Builder {
	if mapper == nil {
		mapper = Identity
	}
	b.steps = append(b.steps, Sequential{Step: step, Mapper: mapper})
	return b
}

// Parallel appends a Parallel node with the given branches; the tuple of
// their outputs becomes previous_output for the following node, in
// declaration order.
func (b *Builder) Parallel(branches ...ParallelBranch) *Builder {
	for i, br := range branches {
		if br.Mapper == nil {
			branches[i].Mapper = Identity
		}
	}
	b.steps = append(b.steps, Parallel{Branches: branches})
	return b
}

// Done freezes the builder into an immutable Workflow snapshot; subsequent
// mutation of the Builder must not affect the returned Workflow.
func (b *Builder) Done(id string, outputSchema *schema.Schema) *Workflow {
	steps := make([]StepNode, len(b.steps))
	copy(steps, b.steps)
	return &Workflow{
		ID:           id,
		InputSchema:  b.inputSchema,
		OutputSchema: outputSchema,
		Steps:        steps,
	}
}
