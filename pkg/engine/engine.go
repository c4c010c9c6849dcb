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

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/f0rbit/runbook/internal/log"
	"github.com/f0rbit/runbook/internal/tracing"
	"github.com/f0rbit/runbook/pkg/agentexec"
	"github.com/f0rbit/runbook/pkg/checkpoint"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/schema"
	"github.com/f0rbit/runbook/pkg/shellexec"
	"github.com/f0rbit/runbook/pkg/trace"
	"github.com/google/uuid"
)

// Providers bundles the three external collaborators a Step dispatches
// against (Shell/Agent/Checkpoint); Fn steps need none of them directly —
// they receive the Engine itself via StepContext for sub-workflow calls.
type Providers struct {
	Shell      shellexec.Provider
	Agent      agentexec.Executor
	Checkpoint checkpoint.Provider
}

// RunOpts configures one engine.Run invocation.
type RunOpts struct {
	RunID            string
	OnTrace          trace.Listener
	Snapshot         *Snapshot
	WorkingDirectory string
}

// RunResult is the successful outcome of Run.
type RunResult struct {
	Output     any
	Trace      trace.Trace
	DurationMs int64
}

// Engine executes a Workflow's step graph.
type Engine struct {
	providers Providers
	logger    *slog.Logger
}

// New constructs an Engine bound to the given providers.
func New(providers Providers, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{providers: providers, logger: logger}
}

// Run executes workflow against input. The step scheduler is
// single-goroutine except for the concurrent fan-out of Parallel nodes,
// which it joins before advancing.
func (e *Engine) Run(ctx context.Context, workflow *Workflow, input any, opts RunOpts) (result *RunResult, runErr error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	collector := trace.NewCollector(runID, workflow.ID)
	collector.OnTrace(opts.OnTrace)

	ctx, runSpan := tracing.StartRunSpan(ctx, runID, workflow.ID)
	defer func() { tracing.EndSpan(runSpan, runErr) }()

	start := time.Now()
	collector.Emit(trace.WorkflowStart())

	if issues := schema.Validate(workflow.InputSchema, input); len(issues) > 0 {
		collector.Emit(trace.WorkflowError(issues, nil))
		return nil, runbookerrors.NewInvalidWorkflowError(issues)
	}

	completed := map[string]any{}
	if opts.Snapshot != nil {
		completed = opts.Snapshot.CompletedSteps
	}

	previousOutput := input

	for _, node := range workflow.Steps {
		if err := ctx.Err(); err != nil {
			return e.fail(collector, firstStepID(node), runbookerrors.NewAbortedStepError(), start)
		}

		switch n := node.(type) {
		case Sequential:
			if output, skipped := completed[n.Step.ID]; skipped {
				collector.Emit(trace.StepSkipped(n.Step.ID, "replayed from snapshot"))
				previousOutput = output
				continue
			}

			sc := &StepContext{
				WorkflowID: workflow.ID, StepID: n.Step.ID, RunID: runID,
				Trace: collector, Engine: e, WorkingDirectory: opts.WorkingDirectory,
			}
			output, stepErr := e.runStep(ctx, sc, input, previousOutput, n.Step, n.Mapper)
			if stepErr != nil {
				return e.fail(collector, n.Step.ID, stepErr, start)
			}
			previousOutput = output

		case Parallel:
			if allBranchesCompleted(n, completed) {
				for _, br := range n.Branches {
					collector.Emit(trace.StepSkipped(br.Step.ID, "replayed from snapshot"))
				}
				tuple := make([]any, len(n.Branches))
				for i, br := range n.Branches {
					tuple[i] = completed[br.Step.ID]
				}
				previousOutput = tuple
				continue
			}

			tuple, failedStepID, stepErr := e.runParallel(ctx, workflow.ID, runID, collector, opts.WorkingDirectory, input, previousOutput, n)
			if stepErr != nil {
				return e.fail(collector, failedStepID, stepErr, start)
			}
			previousOutput = tuple
		}
	}

	durationMs := time.Since(start).Milliseconds()
	collector.Emit(trace.WorkflowComplete(previousOutput, durationMs))

	return &RunResult{
		Output:     previousOutput,
		Trace:      collector.Snapshot(trace.StatusSuccess, durationMs),
		DurationMs: durationMs,
	}, nil
}

// fail builds the terminal WorkflowError{step_failed} and emits
// workflow_error with the partial trace attached.
func (e *Engine) fail(collector *trace.Collector, stepID string, stepErr *runbookerrors.StepError, start time.Time) (*RunResult, error) {
	durationMs := time.Since(start).Milliseconds()
	collector.Emit(trace.WorkflowError(nil, stepErr))
	partial := collector.Snapshot(trace.StatusFailure, durationMs)
	return nil, runbookerrors.NewStepFailedError(stepID, stepErr, partial)
}

func firstStepID(node StepNode) string {
	switch n := node.(type) {
	case Sequential:
		return n.Step.ID
	case Parallel:
		if len(n.Branches) > 0 {
			return n.Branches[0].Step.ID
		}
	}
	return ""
}

// runStep executes the mapper → input-validation → step_start → dispatch →
// output-validation pipeline for one step.
func (e *Engine) runStep(ctx context.Context, sc *StepContext, workflowInput, previousOutput any, step *Step, mapper Mapper) (any, *runbookerrors.StepError) {
	mapped, err := mapper(workflowInput, previousOutput)
	if err != nil {
		stepErr := runbookerrors.NewExecutionStepError(err)
		sc.Trace.Emit(trace.StepError(step.ID, stepErr, 0))
		return nil, stepErr
	}

	if issues := schema.Validate(step.InputSchema, mapped); len(issues) > 0 {
		stepErr := runbookerrors.NewValidationStepError(issues)
		sc.Trace.Emit(trace.StepError(step.ID, stepErr, 0))
		return nil, stepErr
	}

	sc.Trace.Emit(trace.StepStart(step.ID, mapped))
	stepStart := time.Now()

	stepCtx, stepSpan := tracing.StartStepSpan(ctx, step.ID, string(step.Kind))
	output, stepErr := e.dispatch(stepCtx, sc, step, mapped)
	var stepSpanErr error
	if stepErr != nil {
		stepSpanErr = stepErr
	}
	tracing.EndSpan(stepSpan, stepSpanErr)
	durationMs := time.Since(stepStart).Milliseconds()

	if stepErr != nil {
		sc.Trace.Emit(trace.StepError(step.ID, stepErr, durationMs))
		return nil, stepErr
	}

	if issues := schema.Validate(step.OutputSchema, output); len(issues) > 0 {
		stepErr := runbookerrors.NewValidationStepError(issues)
		sc.Trace.Emit(trace.StepError(step.ID, stepErr, durationMs))
		return nil, stepErr
	}

	sc.Trace.Emit(trace.StepComplete(step.ID, output, durationMs))
	return output, nil
}

func (e *Engine) dispatch(ctx context.Context, sc *StepContext, step *Step, input any) (any, *runbookerrors.StepError) {
	switch step.Kind {
	case KindFn:
		return e.dispatchFn(ctx, sc, step, input)
	case KindShell:
		return e.dispatchShell(ctx, sc, step, input)
	case KindAgent:
		return e.dispatchAgent(ctx, sc, step, input)
	case KindCheckpoint:
		return e.dispatchCheckpoint(ctx, sc, step, input)
	default:
		return nil, runbookerrors.NewExecutionStepError(&unknownKindError{kind: step.Kind})
	}
}

type unknownKindError struct{ kind StepKind }

func (e *unknownKindError) Error() string { return "unknown step kind: " + string(e.kind) }

func (e *Engine) dispatchFn(ctx context.Context, sc *StepContext, step *Step, input any) (any, *runbookerrors.StepError) {
	output, err := step.Fn(ctx, input, sc)
	if err != nil {
		if stepErr, ok := err.(*runbookerrors.StepError); ok {
			return nil, stepErr
		}
		return nil, runbookerrors.NewExecutionStepError(err)
	}
	return output, nil
}

func (e *Engine) dispatchShell(ctx context.Context, sc *StepContext, step *Step, input any) (any, *runbookerrors.StepError) {
	command, err := step.ShellCommand(input)
	if err != nil {
		return nil, runbookerrors.NewExecutionStepError(err)
	}

	var timeoutMs int64
	if step.ShellOpts != nil {
		timeoutMs = step.ShellOpts.TimeoutMs
	}

	result, err := e.providers.Shell.Exec(ctx, command, shellexec.Options{Cwd: sc.WorkingDirectory, TimeoutMs: timeoutMs})
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, runbookerrors.NewAbortedStepError()
		}
		return nil, runbookerrors.NewShellStepError(command, -1, err.Error())
	}

	log.Trace(e.logger, "shell step finished",
		log.String(log.StepIDKey, step.ID), log.Int("exit_code", result.ExitCode))

	output, err := step.ShellParse(result.Stdout, result.ExitCode)
	if err != nil {
		return nil, runbookerrors.NewExecutionStepError(err)
	}
	return output, nil
}

func (e *Engine) dispatchCheckpoint(ctx context.Context, sc *StepContext, step *Step, input any) (any, *runbookerrors.StepError) {
	promptText, err := step.CheckpointPrompt(input)
	if err != nil {
		return nil, runbookerrors.NewExecutionStepError(err)
	}

	checkpointID := uuid.New().String()
	sc.Trace.Emit(trace.CheckpointWaiting(step.ID, checkpointID, promptText))

	value, err := e.providers.Checkpoint.Prompt(ctx, checkpointID, step.ID, promptText, step.OutputSchema)
	if err != nil {
		return nil, runbookerrors.NewCheckpointRejectedStepError(err)
	}

	sc.Trace.Emit(trace.CheckpointResolved(step.ID, checkpointID, value))
	return value, nil
}

// runParallel fans n.Branches out concurrently, cancelling siblings on the
// first failure and waiting for all to settle before surfacing it.
func (e *Engine) runParallel(ctx context.Context, workflowID, runID string, collector *trace.Collector, workingDir string, workflowInput, previousOutput any, n Parallel) ([]any, string, *runbookerrors.StepError) {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tuple := make([]any, len(n.Branches))

	type failure struct {
		stepID string
		err    *runbookerrors.StepError
	}
	failCh := make(chan failure, len(n.Branches))

	var wg sync.WaitGroup
	for i, branch := range n.Branches {
		wg.Add(1)
		go func(i int, br ParallelBranch) {
			defer wg.Done()
			sc := &StepContext{
				WorkflowID: workflowID, StepID: br.Step.ID, RunID: runID,
				Trace: collector, Engine: e, WorkingDirectory: workingDir,
			}
			output, stepErr := e.runStep(branchCtx, sc, workflowInput, previousOutput, br.Step, br.Mapper)
			if stepErr != nil {
				cancel()
				select {
				case failCh <- failure{stepID: br.Step.ID, err: stepErr}:
				default:
				}
				return
			}
			tuple[i] = output
		}(i, branch)
	}
	wg.Wait()
	close(failCh)

	if f, ok := <-failCh; ok {
		return nil, f.stepID, f.err
	}
	return tuple, "", nil
}
