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

// Package agentexec abstracts over a long-running external conversational
// agent with session create/prompt/destroy/subscribe/health-check
// capabilities. The core Executor interface is required;
// DestroySession/Subscribe/HealthCheck are optional capabilities the engine
// probes for via type assertion.
package agentexec

import (
	"context"
	"strings"
)

// SessionOpts configures a new agent session.
type SessionOpts struct {
	Title            string
	SystemPrompt     string
	WorkingDirectory string
	Permissions      any
}

// ToolCall is one tool invocation surfaced in a prompt's final response.
type ToolCall struct {
	Name   string `json:"name"`
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
}

// PromptResult is the normal-completion payload of a prompt call: the
// concatenated text parts, any tool calls, and a derived files_changed set
// (tool parts whose name contains write|edit|create|patch).
type PromptResult struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Raw          any        `json:"-"`
}

// AgentEventType tags a Subscribe event.
type AgentEventType string

const (
	AgentEventTextChunk  AgentEventType = "text_chunk"
	AgentEventToolCall   AgentEventType = "tool_call"
	AgentEventToolResult AgentEventType = "tool_result"
)

// AgentEvent is one item streamed from Subscribe.
type AgentEvent struct {
	Type       AgentEventType
	Text       string
	ToolName   string
	ToolArgs   any
	ToolResult any
}

// Executor is the required capability set: create a session, then prompt it.
type Executor interface {
	CreateSession(ctx context.Context, opts SessionOpts) (sessionID string, err error)
	Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error)
}

// SessionDestroyer is an optional capability: best-effort session cleanup.
type SessionDestroyer interface {
	DestroySession(ctx context.Context, sessionID string) error
}

// Subscriber is an optional capability: a live stream of sub-events for a
// session's current prompt, cancelled by cancelling ctx.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan AgentEvent, error)
}

// HealthChecker is an optional capability used at daemon startup.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// filesChangedMarkers is the set of substrings that mark a tool call as
// having mutated the working directory.
var filesChangedMarkers = []string{"write", "edit", "create", "patch"}

// DeriveFilesChanged extracts the files_changed set from tool calls whose
// name contains one of the write|edit|create|patch markers and whose args
// carry a "path" or "file" field.
func DeriveFilesChanged(calls []ToolCall) []string {
	seen := map[string]struct{}{}
	var files []string
	for _, call := range calls {
		if !toolNameMatchesMarker(call.Name) {
			continue
		}
		path := extractPath(call.Args)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

func toolNameMatchesMarker(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range filesChangedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func extractPath(args any) string {
	m, ok := args.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"path", "file", "file_path", "filename"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
