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

// Package trace implements the run's structured, typed event log: an
// append-only sequence of TraceEvents fanned out synchronously to listeners
// as they're emitted, with an immutable Trace snapshot on demand.
package trace

import (
	"sync"
	"time"
)

// EventType is the tag of a TraceEvent's fifteen-variant union.
type EventType string

const (
	EventWorkflowStart    EventType = "workflow_start"
	EventWorkflowComplete EventType = "workflow_complete"
	EventWorkflowError    EventType = "workflow_error"

	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepError    EventType = "step_error"
	EventStepSkipped  EventType = "step_skipped"

	EventAgentSessionCreated EventType = "agent_session_created"
	EventAgentPromptSent     EventType = "agent_prompt_sent"
	EventAgentToolCall       EventType = "agent_tool_call"
	EventAgentToolResult     EventType = "agent_tool_result"
	EventAgentText           EventType = "agent_text"
	EventAgentResponse       EventType = "agent_response"

	EventCheckpointWaiting  EventType = "checkpoint_waiting"
	EventCheckpointResolved EventType = "checkpoint_resolved"
)

// Event is a single tagged entry in a run's trace. Only the fields relevant
// to Type are populated; the rest carry their zero value and are omitted
// from JSON. Listeners must not mutate an Event handed to them.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	StepID string `json:"step_id,omitempty"`

	Input  any `json:"input,omitempty"`
	Output any `json:"output,omitempty"`

	// step_error / workflow_error
	Error     error    `json:"-"`
	ErrorText string   `json:"error,omitempty"`
	Issues    []string `json:"issues,omitempty"`

	// step_skipped
	Reason string `json:"reason,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`

	// agent_*
	SessionID  string `json:"session_id,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   any    `json:"tool_args,omitempty"`
	ToolResult any    `json:"tool_result,omitempty"`
	Text       string `json:"text,omitempty"`
	Response   any    `json:"response,omitempty"`

	// checkpoint_*
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Value        any    `json:"value,omitempty"`
}

// Status is the terminal outcome recorded on a Trace snapshot.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Trace is the immutable snapshot produced by Collector.Snapshot.
type Trace struct {
	RunID      string  `json:"run_id"`
	WorkflowID string  `json:"workflow_id"`
	Events     []Event `json:"events"`
	Status     Status  `json:"status"`
	DurationMs int64   `json:"duration_ms"`
}

// Listener observes events as they're emitted. Listeners run synchronously,
// in registration order, on the emitting goroutine — they must not block or
// mutate the event they're given.
type Listener func(Event)

// Collector is an append-only event sequence owned by one engine invocation.
// Ordering is the total order of Emit calls; the engine's single-goroutine
// step scheduler (see pkg/engine) makes that order well-defined.
type Collector struct {
	mu         sync.Mutex
	runID      string
	workflowID string
	events     []Event
	listeners  []Listener
}

// NewCollector creates a Collector for one run of one workflow.
func NewCollector(runID, workflowID string) *Collector {
	return &Collector{runID: runID, workflowID: workflowID}
}

// OnTrace registers a listener invoked synchronously after every Emit.
func (c *Collector) OnTrace(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Emit appends e and then invokes every listener, in registration order.
func (c *Collector) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Error != nil && e.ErrorText == "" {
		e.ErrorText = e.Error.Error()
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Events returns a shallow copy of the events emitted so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Snapshot returns a shallow-copied, immutable Trace.
func (c *Collector) Snapshot(status Status, durationMs int64) Trace {
	return Trace{
		RunID:      c.runID,
		WorkflowID: c.workflowID,
		Events:     c.Events(),
		Status:     status,
		DurationMs: durationMs,
	}
}

// --- typed constructors, one per variant ---

func WorkflowStart() Event {
	return Event{Type: EventWorkflowStart}
}

func WorkflowComplete(output any, durationMs int64) Event {
	return Event{Type: EventWorkflowComplete, Output: output, DurationMs: durationMs}
}

func WorkflowError(issues []string, cause error) Event {
	return Event{Type: EventWorkflowError, Issues: issues, Error: cause}
}

func StepStart(stepID string, input any) Event {
	return Event{Type: EventStepStart, StepID: stepID, Input: input}
}

func StepComplete(stepID string, output any, durationMs int64) Event {
	return Event{Type: EventStepComplete, StepID: stepID, Output: output, DurationMs: durationMs}
}

func StepError(stepID string, cause error, durationMs int64) Event {
	return Event{Type: EventStepError, StepID: stepID, Error: cause, DurationMs: durationMs}
}

func StepSkipped(stepID, reason string) Event {
	return Event{Type: EventStepSkipped, StepID: stepID, Reason: reason}
}

func AgentSessionCreated(stepID, sessionID string) Event {
	return Event{Type: EventAgentSessionCreated, StepID: stepID, SessionID: sessionID}
}

func AgentPromptSent(stepID, prompt string) Event {
	return Event{Type: EventAgentPromptSent, StepID: stepID, Prompt: prompt}
}

func AgentToolCall(stepID, toolName string, args any) Event {
	return Event{Type: EventAgentToolCall, StepID: stepID, ToolName: toolName, ToolArgs: args}
}

func AgentToolResult(stepID, toolName string, result any) Event {
	return Event{Type: EventAgentToolResult, StepID: stepID, ToolName: toolName, ToolResult: result}
}

func AgentText(stepID, text string) Event {
	return Event{Type: EventAgentText, StepID: stepID, Text: text}
}

func AgentResponse(stepID string, response any) Event {
	return Event{Type: EventAgentResponse, StepID: stepID, Response: response}
}

func CheckpointWaiting(stepID, checkpointID, prompt string) Event {
	return Event{Type: EventCheckpointWaiting, StepID: stepID, CheckpointID: checkpointID, Prompt: prompt}
}

func CheckpointResolved(stepID, checkpointID string, value any) Event {
	return Event{Type: EventCheckpointResolved, StepID: stepID, CheckpointID: checkpointID, Value: value}
}
