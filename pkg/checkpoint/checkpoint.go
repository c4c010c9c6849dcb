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

// Package checkpoint implements the Checkpoint Provider: a suspension
// primitive that turns a prompt into a continuation resolved by an
// external resolver supplying a schema-validated value.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/f0rbit/runbook/pkg/schema"
)

// Pending is a single-producer/single-consumer continuation: Prompt creates
// one, registers it somewhere an external resolver can find it by id, and
// blocks on Wait; the resolver calls Resolve or Reject exactly once.
type Pending struct {
	CheckpointID string
	StepID       string
	Message      string
	Schema       *schema.Schema

	resultCh chan result
}

type result struct {
	value any
	err   error
}

// NewPending constructs a suspended continuation. The channel is buffered by
// one so a late Resolve/Reject after the waiter has already given up (e.g.
// context cancellation) never blocks the resolver.
func NewPending(checkpointID, stepID, message string, outputSchema *schema.Schema) *Pending {
	return &Pending{
		CheckpointID: checkpointID,
		StepID:       stepID,
		Message:      message,
		Schema:       outputSchema,
		resultCh:     make(chan result, 1),
	}
}

// Resolve validates value against the checkpoint's schema and, if valid,
// wakes the waiter with it. Returns the validation issues (if any) so the
// HTTP resolver can report a 400 without guessing.
func (p *Pending) Resolve(value any) []string {
	if issues := schema.Validate(p.Schema, value); len(issues) > 0 {
		return issues
	}
	p.resultCh <- result{value: value}
	return nil
}

// Reject wakes the waiter with an error instead of a value.
func (p *Pending) Reject(err error) {
	p.resultCh <- result{err: err}
}

// Wait blocks until Resolve/Reject is called or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-p.resultCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Provider is what the engine's Checkpoint step dispatches against. The
// engine mints checkpointID itself (so it can emit checkpoint_waiting with
// the id before blocking on Prompt).
type Provider interface {
	Prompt(ctx context.Context, checkpointID, stepID, message string, outputSchema *schema.Schema) (any, error)
}

// RegisterFunc is called with a freshly-minted checkpoint id and its Pending
// continuation; implementations add it to the run's pending_checkpoints map.
type RegisterFunc func(checkpointID string, pending *Pending)

// UnregisterFunc removes a checkpoint id once it has settled.
type UnregisterFunc func(checkpointID string)

// RunProvider is the server-registry variant: each Prompt call registers a
// Pending continuation with the run's state under the caller-supplied
// checkpoint id, and blocks until an external resolver (the HTTP handler)
// supplies a value.
type RunProvider struct {
	Register   RegisterFunc
	Unregister UnregisterFunc
}

func (p *RunProvider) Prompt(ctx context.Context, checkpointID, stepID, message string, outputSchema *schema.Schema) (any, error) {
	pending := NewPending(checkpointID, stepID, message, outputSchema)

	p.Register(checkpointID, pending)
	defer p.Unregister(checkpointID)

	value, err := pending.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}
	return value, nil
}
