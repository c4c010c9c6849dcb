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

// Package engine implements the workflow execution engine:
// input/output validation, mapper invocation, sequential/parallel
// scheduling, provider dispatch, timeout, cancellation, snapshot replay,
// and trace emission.
package engine

import (
	"context"

	"github.com/f0rbit/runbook/pkg/schema"
	"github.com/f0rbit/runbook/pkg/trace"
)

// StepKind tags a Step's dispatch behavior.
type StepKind string

const (
	KindFn         StepKind = "fn"
	KindShell      StepKind = "shell"
	KindAgent      StepKind = "agent"
	KindCheckpoint StepKind = "checkpoint"
)

// AgentMode selects how an Agent step's result is produced.
type AgentMode string

const (
	ModeAnalyze AgentMode = "analyze"
	ModeBuild   AgentMode = "build"
)

// DefaultAgentTimeoutMs is the default prompt timeout.
const DefaultAgentTimeoutMs int64 = 180_000

// StepContext is handed to Fn step bodies and sub-workflow invocations.
type StepContext struct {
	WorkflowID       string
	StepID           string
	RunID            string
	Trace            *trace.Collector
	Engine           *Engine
	WorkingDirectory string
}

// FnFunc is the body of a Fn step.
type FnFunc func(ctx context.Context, input any, sc *StepContext) (any, error)

// ShellCommandFunc renders a step input into the command line to execute.
type ShellCommandFunc func(input any) (string, error)

// ShellParseFunc turns captured stdout/exit-code into a step output.
type ShellParseFunc func(stdout string, exitCode int) (any, error)

// ShellStepOpts configures a Shell step; it carries an explicit
// timeout override.
type ShellStepOpts struct {
	// TimeoutMs overrides shellexec's default timeout when > 0.
	TimeoutMs int64
}

// AgentPromptFunc renders a step input into the user-level prompt text.
type AgentPromptFunc func(input any) (string, error)

// AgentStepOpts configures an Agent step.
type AgentStepOpts struct {
	// SystemPromptFile, if set, is read and prepended to the system prompt.
	// A relative path is resolved against StepContext.WorkingDirectory.
	SystemPromptFile string

	// SystemPrompt is an inline addition to the system prompt.
	SystemPrompt string

	// TimeoutMs overrides DefaultAgentTimeoutMs when > 0.
	TimeoutMs int64

	// Permissions is passed through to the Agent Executor's session opts.
	Permissions any
}

// CheckpointPromptFunc renders a step input into the checkpoint's message.
type CheckpointPromptFunc func(input any) (string, error)

// Step is one typed unit of work. Exactly the fields relevant
// to Kind are populated; Step values are normally built with the New*Step
// constructors rather than struct literals.
type Step struct {
	ID           string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	Description  string
	Kind         StepKind

	Fn FnFunc

	ShellCommand ShellCommandFunc
	ShellParse   ShellParseFunc
	ShellOpts    *ShellStepOpts

	AgentPrompt AgentPromptFunc
	AgentMode   AgentMode
	AgentOpts   *AgentStepOpts

	CheckpointPrompt CheckpointPromptFunc
}

func NewFnStep(id string, inputSchema, outputSchema *schema.Schema, fn FnFunc) *Step {
	return &Step{ID: id, InputSchema: inputSchema, OutputSchema: outputSchema, Kind: KindFn, Fn: fn}
}

func NewShellStep(id string, inputSchema, outputSchema *schema.Schema, command ShellCommandFunc, parse ShellParseFunc, opts *ShellStepOpts) *Step {
	return &Step{
		ID: id, InputSchema: inputSchema, OutputSchema: outputSchema, Kind: KindShell,
		ShellCommand: command, ShellParse: parse, ShellOpts: opts,
	}
}

func NewAgentStep(id string, inputSchema, outputSchema *schema.Schema, prompt AgentPromptFunc, mode AgentMode, opts *AgentStepOpts) *Step {
	return &Step{
		ID: id, InputSchema: inputSchema, OutputSchema: outputSchema, Kind: KindAgent,
		AgentPrompt: prompt, AgentMode: mode, AgentOpts: opts,
	}
}

func NewCheckpointStep(id string, inputSchema, outputSchema *schema.Schema, prompt CheckpointPromptFunc) *Step {
	return &Step{
		ID: id, InputSchema: inputSchema, OutputSchema: outputSchema, Kind: KindCheckpoint,
		CheckpointPrompt: prompt,
	}
}

// Mapper is a pure function from (workflow_input, previous_output) to a
// step's input.
type Mapper func(workflowInput, previousOutput any) (any, error)

// Identity is a Mapper that passes previousOutput through unchanged,
// ignoring workflowInput — the common case for linear pipelines.
func Identity(_, previousOutput any) (any, error) {
	return previousOutput, nil
}

// StepNode is either a Sequential or a Parallel node.
type StepNode interface {
	isStepNode()
}

// Sequential wraps a single step with its mapper.
type Sequential struct {
	Step   *Step
	Mapper Mapper
}

func (Sequential) isStepNode() {}

// ParallelBranch is one (step, mapper) pair inside a Parallel node.
type ParallelBranch struct {
	Step   *Step
	Mapper Mapper
}

// Parallel fans branches out concurrently; the engine joins them into a
// tuple (a []any in declaration order) before advancing.
type Parallel struct {
	Branches []ParallelBranch
}

func (Parallel) isStepNode() {}

// Workflow is an immutable, frozen step graph.
type Workflow struct {
	ID           string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	Steps        []StepNode
}

// AsStep wraps w as a Fn step that invokes the engine on itself — the
// composition primitive for sub-workflows.
func (w *Workflow) AsStep() *Step {
	return NewFnStep(w.ID, w.InputSchema, w.OutputSchema, func(ctx context.Context, input any, sc *StepContext) (any, error) {
		result, err := sc.Engine.Run(ctx, w, input, RunOpts{WorkingDirectory: sc.WorkingDirectory})
		if err != nil {
			return nil, err
		}
		return result.Output, nil
	})
}
