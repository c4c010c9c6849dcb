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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/f0rbit/runbook/pkg/agentexec"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/schema"
	"github.com/f0rbit/runbook/pkg/trace"
)

// dispatchAgent implements the Agent step.
func (e *Engine) dispatchAgent(ctx context.Context, sc *StepContext, step *Step, input any) (any, *runbookerrors.StepError) {
	systemPrompt, err := e.composeSystemPrompt(sc, step)
	if err != nil {
		return nil, runbookerrors.NewExecutionStepError(err)
	}

	promptText, err := step.AgentPrompt(input)
	if err != nil {
		return nil, runbookerrors.NewExecutionStepError(err)
	}

	sessionID, err := e.providers.Agent.CreateSession(ctx, agentexec.SessionOpts{
		Title:            fmt.Sprintf("runbook:%s:%s", sc.WorkflowID, step.ID),
		SystemPrompt:     systemPrompt,
		WorkingDirectory: sc.WorkingDirectory,
		Permissions:      agentPermissions(step),
	})
	if err != nil {
		return nil, runbookerrors.NewAgentStepError(err)
	}
	sc.Trace.Emit(trace.AgentSessionCreated(step.ID, sessionID))

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	if subscriber, ok := e.providers.Agent.(agentexec.Subscriber); ok {
		events, err := subscriber.Subscribe(subCtx, sessionID)
		if err == nil {
			go e.forwardAgentEvents(step.ID, sc.Trace, events)
		}
	}

	sc.Trace.Emit(trace.AgentPromptSent(step.ID, promptText))

	timeoutMs := DefaultAgentTimeoutMs
	if step.AgentOpts != nil && step.AgentOpts.TimeoutMs > 0 {
		timeoutMs = step.AgentOpts.TimeoutMs
	}

	result, stepErr := e.raceAgentPrompt(ctx, sessionID, promptText, timeoutMs)

	cancelSub()
	// An aborted session is left in place so it can still be inspected.
	aborted := stepErr != nil && stepErr.Kind == runbookerrors.KindAborted
	if destroyer, ok := e.providers.Agent.(agentexec.SessionDestroyer); ok && !aborted {
		go func() { _ = destroyer.DestroySession(context.Background(), sessionID) }()
	}

	if stepErr != nil {
		return nil, stepErr
	}

	sc.Trace.Emit(trace.AgentResponse(step.ID, result))

	switch step.AgentMode {
	case ModeBuild:
		return buildModeOutput(result), nil
	default: // analyze
		return e.analyzeModeOutput(step, result)
	}
}

func agentPermissions(step *Step) any {
	if step.AgentOpts == nil {
		return nil
	}
	return step.AgentOpts.Permissions
}

func (e *Engine) composeSystemPrompt(sc *StepContext, step *Step) (string, error) {
	var parts []string

	if step.AgentOpts != nil && step.AgentOpts.SystemPromptFile != "" {
		path := step.AgentOpts.SystemPromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(sc.WorkingDirectory, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading system_prompt_file %q: %w", path, err)
		}
		if s := strings.TrimSpace(string(content)); s != "" {
			parts = append(parts, s)
		}
	}

	if step.AgentOpts != nil && step.AgentOpts.SystemPrompt != "" {
		parts = append(parts, step.AgentOpts.SystemPrompt)
	}

	if step.AgentMode == ModeAnalyze {
		instruction, err := schema.RenderForPrompt(step.OutputSchema)
		if err != nil {
			return "", err
		}
		parts = append(parts, instruction)
	}

	return strings.Join(parts, "\n\n"), nil
}

func (e *Engine) forwardAgentEvents(stepID string, collector *trace.Collector, events <-chan agentexec.AgentEvent) {
	for ev := range events {
		switch ev.Type {
		case agentexec.AgentEventToolCall:
			collector.Emit(trace.AgentToolCall(stepID, ev.ToolName, ev.ToolArgs))
		case agentexec.AgentEventToolResult:
			collector.Emit(trace.AgentToolResult(stepID, ev.ToolName, ev.ToolResult))
		case agentexec.AgentEventTextChunk:
			collector.Emit(trace.AgentText(stepID, ev.Text))
		}
	}
}

type agentPromptOutcome struct {
	result *agentexec.PromptResult
	err    error
}

// raceAgentPrompt races the prompt against the step's timeout and the
// parent's cancellation signal.
func (e *Engine) raceAgentPrompt(ctx context.Context, sessionID, promptText string, timeoutMs int64) (*agentexec.PromptResult, *runbookerrors.StepError) {
	resultCh := make(chan agentPromptOutcome, 1)
	go func() {
		result, err := e.providers.Agent.Prompt(ctx, sessionID, promptText)
		resultCh <- agentPromptOutcome{result, err}
	}()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case o := <-resultCh:
		if o.err != nil {
			return nil, runbookerrors.NewAgentStepError(o.err)
		}
		return o.result, nil
	case <-timer.C:
		if destroyer, ok := e.providers.Agent.(agentexec.SessionDestroyer); ok {
			go func() { _ = destroyer.DestroySession(context.Background(), sessionID) }()
		}
		return nil, runbookerrors.NewTimeoutStepError(timeoutMs)
	case <-ctx.Done():
		return nil, runbookerrors.NewAbortedStepError()
	}
}

func buildModeOutput(result *agentexec.PromptResult) map[string]any {
	out := map[string]any{"success": true}
	if raw, ok := result.Raw.(map[string]any); ok {
		for k, v := range raw {
			out[k] = v
		}
		if _, explicit := raw["success"]; explicit {
			out["success"] = raw["success"]
		}
	}
	return out
}

func (e *Engine) analyzeModeOutput(step *Step, result *agentexec.PromptResult) (any, *runbookerrors.StepError) {
	value, ok := extractJSON(result.Text)
	if !ok {
		return nil, runbookerrors.NewAgentParseStepError(result.Text, nil)
	}
	if issues := schema.Validate(step.OutputSchema, value); len(issues) > 0 {
		return nil, runbookerrors.NewAgentParseStepError(result.Text, issues)
	}
	return value, nil
}
