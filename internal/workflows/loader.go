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

// Package workflows loads declarative workflow definitions from YAML files,
// building a Workflow from data instead of Go closures: every step is
// shell, agent, or checkpoint, so its behavior is fully
// described by data — a command or prompt template rendered against the
// previous step's output, plus the schemas the engine validates against.
// Fn steps carry Go logic and so have no YAML form; workflows that need one
// are still built with pkg/engine.Builder directly.
package workflows

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/f0rbit/runbook/pkg/engine"
	"github.com/f0rbit/runbook/pkg/schema"
	"gopkg.in/yaml.v3"
)

// doc is the on-disk shape of one workflow YAML file.
type doc struct {
	ID           string         `yaml:"id"`
	InputSchema  *schema.Schema `yaml:"input_schema"`
	OutputSchema *schema.Schema `yaml:"output_schema"`
	Steps        []nodeDoc      `yaml:"steps"`
}

// nodeDoc is either a single step (its fields inlined directly into the
// list entry) or a set of branches to run in parallel.
type nodeDoc struct {
	stepDoc  `yaml:",inline"`
	Parallel []stepDoc `yaml:"parallel"`
}

type stepDoc struct {
	ID           string         `yaml:"id"`
	Kind         string         `yaml:"kind"` // shell | agent | checkpoint
	InputSchema  *schema.Schema `yaml:"input_schema"`
	OutputSchema *schema.Schema `yaml:"output_schema"`

	Shell      *shellDoc      `yaml:"shell"`
	Agent      *agentDoc      `yaml:"agent"`
	Checkpoint *checkpointDoc `yaml:"checkpoint"`
}

type shellDoc struct {
	CommandTemplate string `yaml:"command_template"`
	TimeoutMs       int64  `yaml:"timeout_ms"`
}

type agentDoc struct {
	PromptTemplate   string `yaml:"prompt_template"`
	Mode             string `yaml:"mode"` // analyze | build
	TimeoutMs        int64  `yaml:"timeout_ms"`
	SystemPrompt     string `yaml:"system_prompt"`
	SystemPromptFile string `yaml:"system_prompt_file"`
}

type checkpointDoc struct {
	PromptTemplate string `yaml:"prompt_template"`
}

// LoadDir parses every *.yaml/*.yml file in dir into a Workflow, keyed by
// the workflow's own id (not the filename).
func LoadDir(dir string) (map[string]*engine.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workflows: reading %q: %w", dir, err)
	}

	out := map[string]*engine.Workflow{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		wf, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out[wf.ID] = wf
	}
	return out, nil
}

// LoadFile parses a single workflow definition file.
func LoadFile(path string) (*engine.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflows: reading %q: %w", path, err)
	}

	var d doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("workflows: parsing %q: %w", path, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("workflows: %q: missing top-level id", path)
	}

	b := engine.Define(d.InputSchema)
	for _, node := range d.Steps {
		if len(node.Parallel) > 0 {
			branches := make([]engine.ParallelBranch, len(node.Parallel))
			for i, sd := range node.Parallel {
				step, err := buildStep(sd)
				if err != nil {
					return nil, fmt.Errorf("workflows: %q: %w", path, err)
				}
				branches[i] = engine.ParallelBranch{Step: step}
			}
			b.Parallel(branches...)
			continue
		}
		if node.stepDoc.ID == "" {
			return nil, fmt.Errorf("workflows: %q: step node has neither a step id nor a parallel block", path)
		}
		step, err := buildStep(node.stepDoc)
		if err != nil {
			return nil, fmt.Errorf("workflows: %q: %w", path, err)
		}
		b.Pipe(step, nil)
	}

	return b.Done(d.ID, d.OutputSchema), nil
}

func buildStep(sd stepDoc) (*engine.Step, error) {
	switch sd.Kind {
	case "shell":
		if sd.Shell == nil {
			return nil, fmt.Errorf("step %q: kind shell requires a shell block", sd.ID)
		}
		tmpl, err := template.New(sd.ID).Parse(sd.Shell.CommandTemplate)
		if err != nil {
			return nil, fmt.Errorf("step %q: parsing command_template: %w", sd.ID, err)
		}
		var opts *engine.ShellStepOpts
		if sd.Shell.TimeoutMs > 0 {
			opts = &engine.ShellStepOpts{TimeoutMs: sd.Shell.TimeoutMs}
		}
		return engine.NewShellStep(sd.ID, sd.InputSchema, sd.OutputSchema,
			renderCommand(tmpl), parseStepOutput(sd.OutputSchema), opts), nil

	case "agent":
		if sd.Agent == nil {
			return nil, fmt.Errorf("step %q: kind agent requires an agent block", sd.ID)
		}
		tmpl, err := template.New(sd.ID).Parse(sd.Agent.PromptTemplate)
		if err != nil {
			return nil, fmt.Errorf("step %q: parsing prompt_template: %w", sd.ID, err)
		}
		mode := engine.ModeAnalyze
		if sd.Agent.Mode == string(engine.ModeBuild) {
			mode = engine.ModeBuild
		}
		return engine.NewAgentStep(sd.ID, sd.InputSchema, sd.OutputSchema, renderPrompt(tmpl), mode, &engine.AgentStepOpts{
			SystemPrompt:     sd.Agent.SystemPrompt,
			SystemPromptFile: sd.Agent.SystemPromptFile,
			TimeoutMs:        sd.Agent.TimeoutMs,
		}), nil

	case "checkpoint":
		if sd.Checkpoint == nil {
			return nil, fmt.Errorf("step %q: kind checkpoint requires a checkpoint block", sd.ID)
		}
		tmpl, err := template.New(sd.ID).Parse(sd.Checkpoint.PromptTemplate)
		if err != nil {
			return nil, fmt.Errorf("step %q: parsing prompt_template: %w", sd.ID, err)
		}
		return engine.NewCheckpointStep(sd.ID, sd.InputSchema, sd.OutputSchema, renderPrompt(tmpl)), nil

	default:
		return nil, fmt.Errorf("step %q: unknown kind %q (want shell, agent, or checkpoint)", sd.ID, sd.Kind)
	}
}

func renderCommand(tmpl *template.Template) engine.ShellCommandFunc {
	return func(input any) (string, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, input); err != nil {
			return "", fmt.Errorf("rendering command_template: %w", err)
		}
		return buf.String(), nil
	}
}

func renderPrompt(tmpl *template.Template) func(input any) (string, error) {
	return func(input any) (string, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, input); err != nil {
			return "", fmt.Errorf("rendering prompt_template: %w", err)
		}
		return buf.String(), nil
	}
}

// parseStepOutput returns an error for a non-zero exit code; otherwise it
// decodes a shell step's stdout as JSON when the step declares an output
// schema, and passes the raw stdout string through unchanged when it does not.
func parseStepOutput(outputSchema *schema.Schema) engine.ShellParseFunc {
	return func(stdout string, exitCode int) (any, error) {
		if exitCode != 0 {
			return nil, fmt.Errorf("command exited %d", exitCode)
		}
		if outputSchema == nil {
			return stdout, nil
		}
		var value any
		if err := json.Unmarshal([]byte(stdout), &value); err != nil {
			return nil, fmt.Errorf("parsing stdout as JSON: %w", err)
		}
		return value, nil
	}
}
