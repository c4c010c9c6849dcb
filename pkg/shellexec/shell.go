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

// Package shellexec implements the Shell Provider: a thin abstraction over
// subprocess execution with timeouts, a cancellation signal, and
// fully-captured stdout/stderr/exit code.
package shellexec

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/f0rbit/runbook/internal/log"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/security"
)

// Result is the fully-captured outcome of a spawned command. It is returned
// even when the command exits non-zero — only a failure to spawn or manage
// the process itself is a Go error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options configures one invocation.
type Options struct {
	Cwd       string
	Env       []string
	TimeoutMs int64
	Security  *security.ShellSecurityConfig
}

// Provider is the interface the engine's Shell step dispatches against.
type Provider interface {
	Exec(ctx context.Context, command string, opts Options) (*Result, error)
}

// SubprocessProvider is the concrete binding: it spawns a real child process,
// parsed into argv via the security config (or run through /bin/sh -c, when
// ParseArguments is off), captures both streams fully, and enforces the
// timeout by cancelling the context that owns the command — which in turn
// terminates the child. Cancellation of the caller's context runs the exact
// same termination path.
type SubprocessProvider struct {
	logger *slog.Logger
}

// New constructs a SubprocessProvider.
func New(logger *slog.Logger) *SubprocessProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessProvider{logger: logger}
}

func (p *SubprocessProvider) Exec(ctx context.Context, command string, opts Options) (*Result, error) {
	secCfg := opts.Security
	if secCfg == nil {
		secCfg = security.DefaultShellSecurityConfig()
	}

	base, args, err := security.ParseCommandLine(command)
	if err != nil {
		return nil, &runbookerrors.ShellError{Kind: "parse_failed", Command: command, Cause: err}
	}

	if err := secCfg.ValidateCommand(command, args); err != nil {
		return nil, &runbookerrors.ShellError{Kind: "denied", Command: command, Cause: err}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var cmd *exec.Cmd
	if secCfg.ParseArguments {
		cmd = exec.CommandContext(runCtx, base, args...)
	} else {
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	}
	cmd.Dir = opts.Cwd
	cmd.Env = secCfg.SanitizeEnvironment(opts.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &runbookerrors.ShellError{Kind: "spawn_failed", Command: command, Cause: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &runbookerrors.ShellError{Kind: "spawn_failed", Command: command, Cause: err}
	}

	log.Trace(p.logger, "shell exec starting", log.String("command", command), log.String("cwd", opts.Cwd))

	if err := cmd.Start(); err != nil {
		return nil, &runbookerrors.ShellError{Kind: "spawn_failed", Command: command, Cause: err}
	}

	var stdout, stderr bytes.Buffer
	maxOut := secCfg.MaxOutputSize
	done := make(chan struct{}, 2)
	go func() { captureStream(stdoutPipe, &stdout, maxOut); done <- struct{}{} }()
	go func() { captureStream(stderrPipe, &stderr, maxOut); done <- struct{}{} }()
	<-done
	<-done

	waitErr := cmd.Wait()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			// Non-zero exit is not a provider-level error — parse() decides.
			return result, nil
		}
		return result, &runbookerrors.ShellError{Kind: "wait_failed", Command: command, Cause: waitErr}
	}

	return result, nil
}

func captureStream(r io.Reader, buf *bytes.Buffer, maxBytes int64) {
	if maxBytes <= 0 {
		_, _ = io.Copy(buf, r)
		return
	}
	_, _ = io.Copy(buf, io.LimitReader(r, maxBytes))
	// Drain the remainder so the pipe doesn't block the child on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

// CommandString joins a base command and its arguments for logging/trace.
func CommandString(base string, args []string) string {
	if len(args) == 0 {
		return base
	}
	return base + " " + strings.Join(args, " ")
}
