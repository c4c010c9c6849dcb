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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/f0rbit/runbook/internal/cliclient"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError favors an error's user-facing message and suggestion, when it
// implements runbookerrors.UserVisibleError, over its raw Error() string.
func printError(err error) {
	var visible runbookerrors.UserVisibleError
	if errors.As(err, &visible) && visible.IsUserVisible() {
		fmt.Fprintln(os.Stderr, visible.UserMessage())
		if s := visible.Suggestion(); s != "" {
			fmt.Fprintln(os.Stderr, "  "+s)
		}
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func newRootCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:           "runbook",
		Short:         "Client for the runbook workflow control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "runbookd base URL (default http://localhost:4400)")

	client := func() *cliclient.Client { return cliclient.New(serverURL) }

	cmd.AddCommand(
		newRunCommand(client),
		newStatusCommand(client),
		newResumeCommand(client),
		newCancelCommand(client),
		newCheckpointsCommand(client),
		newTraceCommand(client),
	)
	return cmd
}

func newRunCommand(client func() *cliclient.Client) *cobra.Command {
	var inputJSON string
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input any
			if inputJSON != "" {
				if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
					return fmt.Errorf("parsing --input: %w", err)
				}
			}
			result, err := client().RunWorkflow(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input for the workflow")
	return cmd
}

func newStatusCommand(client func() *cliclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newResumeCommand(client func() *cliclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow-id> <run-id>",
		Short: "Resume a suspended run from its last checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().ResumeWorkflow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func newCancelCommand(client func() *cliclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	}
}

func newTraceCommand(client func() *cliclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show a run's full trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trace, err := client().GetTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(trace)
		},
	}
}

func newCheckpointsCommand(client func() *cliclient.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage pending checkpoints",
	}
	cmd.AddCommand(newCheckpointsResolveCommand(client))
	return cmd
}

func newCheckpointsResolveCommand(client func() *cliclient.Client) *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "resolve <run-id> <checkpoint-id>",
		Short: "Resolve a pending checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			switch {
			case valueJSON != "":
				if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
					return fmt.Errorf("parsing --value: %w", err)
				}
			default:
				var answer string
				prompt := &survey.Input{Message: "Checkpoint value:"}
				if err := survey.AskOne(prompt, &answer); err != nil {
					return fmt.Errorf("reading checkpoint value: %w", err)
				}
				value = answer
			}
			if err := client().ResolveCheckpoint(cmd.Context(), args[0], args[1], value); err != nil {
				return err
			}
			fmt.Println("resolved")
			return nil
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value", "", "JSON value to resolve the checkpoint with (omit to prompt interactively)")
	return cmd
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
