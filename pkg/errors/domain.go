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

package errors

import "fmt"

// StepErrorKind identifies the branch of a StepError's tagged union.
type StepErrorKind string

const (
	KindValidationError   StepErrorKind = "validation_error"
	KindExecutionError    StepErrorKind = "execution_error"
	KindShellError        StepErrorKind = "shell_error"
	KindAgentError        StepErrorKind = "agent_error"
	KindAgentParseError   StepErrorKind = "agent_parse_error"
	KindTimeout           StepErrorKind = "timeout"
	KindAborted           StepErrorKind = "aborted"
	KindCheckpointRejected StepErrorKind = "checkpoint_rejected"
)

// StepError is the step-level error taxonomy from spec §7 axis 1. Exactly one
// of its fields is meaningful per Kind; engine code constructs these with the
// New*Error helpers rather than populating struct literals directly.
type StepError struct {
	Kind StepErrorKind

	// validation_error
	Issues []string

	// execution_error, agent_error
	Cause error

	// shell_error
	Command  string
	ExitCode int
	Stderr   string

	// agent_parse_error
	RawOutput    string
	SchemaIssues []string

	// timeout
	TimeoutMs int64
}

func (e *StepError) Error() string {
	switch e.Kind {
	case KindValidationError:
		return fmt.Sprintf("validation_error: %v", e.Issues)
	case KindExecutionError:
		return fmt.Sprintf("execution_error: %v", e.Cause)
	case KindShellError:
		return fmt.Sprintf("shell_error: command %q exited %d: %s", e.Command, e.ExitCode, e.Stderr)
	case KindAgentError:
		return fmt.Sprintf("agent_error: %v", e.Cause)
	case KindAgentParseError:
		return fmt.Sprintf("agent_parse_error: %v (raw: %.200s)", e.SchemaIssues, e.RawOutput)
	case KindTimeout:
		return fmt.Sprintf("timeout: exceeded %dms", e.TimeoutMs)
	case KindAborted:
		return "aborted"
	case KindCheckpointRejected:
		return "checkpoint_rejected"
	default:
		return fmt.Sprintf("step_error(%s)", e.Kind)
	}
}

func (e *StepError) Unwrap() error { return e.Cause }

func NewValidationStepError(issues []string) *StepError {
	return &StepError{Kind: KindValidationError, Issues: issues}
}

func NewExecutionStepError(cause error) *StepError {
	return &StepError{Kind: KindExecutionError, Cause: cause}
}

func NewShellStepError(command string, exitCode int, stderr string) *StepError {
	return &StepError{Kind: KindShellError, Command: command, ExitCode: exitCode, Stderr: stderr}
}

func NewAgentStepError(cause error) *StepError {
	return &StepError{Kind: KindAgentError, Cause: cause}
}

func NewAgentParseStepError(rawOutput string, issues []string) *StepError {
	return &StepError{Kind: KindAgentParseError, RawOutput: rawOutput, SchemaIssues: issues}
}

func NewTimeoutStepError(timeoutMs int64) *StepError {
	return &StepError{Kind: KindTimeout, TimeoutMs: timeoutMs}
}

func NewAbortedStepError() *StepError {
	return &StepError{Kind: KindAborted}
}

func NewCheckpointRejectedStepError(cause error) *StepError {
	return &StepError{Kind: KindCheckpointRejected, Cause: cause}
}

// WorkflowErrorKind identifies the branch of a WorkflowError's tagged union.
type WorkflowErrorKind string

const (
	KindStepFailed      WorkflowErrorKind = "step_failed"
	KindInvalidWorkflow WorkflowErrorKind = "invalid_workflow"
	KindConfigError     WorkflowErrorKind = "config_error"
)

// WorkflowError is the engine's top-level error result (spec §7 axis 2). The
// Partial field is opaque (any) so this package has no dependency on
// pkg/trace; the engine stores a trace.Trace value in it, and callers
// type-assert it back to trace.Trace.
type WorkflowError struct {
	Kind WorkflowErrorKind

	// step_failed
	StepID  string
	Err     *StepError
	Partial any

	// invalid_workflow
	Issues []string

	// config_error
	Message string
}

func (e *WorkflowError) Error() string {
	switch e.Kind {
	case KindStepFailed:
		return fmt.Sprintf("step_failed(%s): %v", e.StepID, e.Err)
	case KindInvalidWorkflow:
		return fmt.Sprintf("invalid_workflow: %v", e.Issues)
	case KindConfigError:
		return fmt.Sprintf("config_error: %s", e.Message)
	default:
		return fmt.Sprintf("workflow_error(%s)", e.Kind)
	}
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func NewStepFailedError(stepID string, err *StepError, partialTrace any) *WorkflowError {
	return &WorkflowError{Kind: KindStepFailed, StepID: stepID, Err: err, Partial: partialTrace}
}

func NewInvalidWorkflowError(issues []string) *WorkflowError {
	return &WorkflowError{Kind: KindInvalidWorkflow, Issues: issues}
}

func NewWorkflowConfigError(message string) *WorkflowError {
	return &WorkflowError{Kind: KindConfigError, Message: message}
}

// ShellError reports a failure to spawn or manage a shell subprocess, as
// distinct from a StepError carrying the subprocess's own stderr/exit code.
type ShellError struct {
	Kind    string
	Command string
	Cause   error
}

func (e *ShellError) Error() string {
	return fmt.Sprintf("shell[%s]: command %q: %v", e.Kind, e.Command, e.Cause)
}

func (e *ShellError) Unwrap() error { return e.Cause }

// AgentError reports a failure in the Agent Executor transport (session
// create/prompt/destroy/subscribe/health-check), distinct from a StepError.
type AgentError struct {
	Kind      string
	SessionID string
	Cause     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent[%s]: session %q: %v", e.Kind, e.SessionID, e.Cause)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// CheckpointError reports a failure in the Checkpoint Provider transport.
type CheckpointError struct {
	Kind         string
	CheckpointID string
	Cause        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint[%s]: %s: %v", e.Kind, e.CheckpointID, e.Cause)
}

func (e *CheckpointError) Unwrap() error { return e.Cause }

// ClientError reports a failure in the control-plane HTTP client (cmd/runbook).
type ClientError struct {
	Kind       string
	StatusCode int
	Cause      error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client[%s]: HTTP %d: %v", e.Kind, e.StatusCode, e.Cause)
}

func (e *ClientError) Unwrap() error { return e.Cause }

// GitStoreError reports a failure in the Artifact Store's underlying
// version-control object database operations.
type GitStoreError struct {
	Kind  string
	RunID string
	Cause error
}

func (e *GitStoreError) Error() string {
	return fmt.Sprintf("git_store[%s]: run %s: %v", e.Kind, e.RunID, e.Cause)
}

func (e *GitStoreError) Unwrap() error { return e.Cause }
