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

// Package state implements the in-memory run state store: a map of run_id
// to RunState plus a per-run cancellation handle and pending checkpoint
// registry, mutated only through Update.
package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/f0rbit/runbook/pkg/checkpoint"
	"github.com/f0rbit/runbook/pkg/trace"
)

// Status is a RunState's lifecycle phase. It transitions monotonically:
// pending → running → (success | failure | cancelled).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// RunState is the store's record for one run.
type RunState struct {
	RunID       string
	WorkflowID  string
	Status      Status
	Input       any
	Output      any
	Err         error
	Trace       trace.Trace
	StartedAt   time.Time
	CompletedAt time.Time

	// PendingCheckpoints is keyed by checkpoint_id; emptied whenever a
	// checkpoint resolves or the run reaches a terminal status.
	PendingCheckpoints map[string]*checkpoint.Pending
}

// Patch is a shallow-merge update: non-nil/non-zero fields overwrite the
// stored RunState's fields; zero fields are left untouched.
type Patch struct {
	Status      *Status
	Output      any
	Err         error
	Trace       *trace.Trace
	CompletedAt *time.Time
}

// entry bundles a RunState with the cancellation handle the store owns on
// its behalf.
type entry struct {
	state  *RunState
	cancel context.CancelFunc
}

// Store is the process's single run state table. The zero value is not
// usable; construct with New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: map[string]*entry{}}
}

// Create registers a new pending RunState and its cancellation context,
// returning a context the engine should run under.
func (s *Store) Create(ctx context.Context, runID, workflowID string, input any) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.entries[runID] = &entry{
		state: &RunState{
			RunID:              runID,
			WorkflowID:         workflowID,
			Status:             StatusPending,
			Input:              input,
			StartedAt:          time.Now().UTC(),
			PendingCheckpoints: map[string]*checkpoint.Pending{},
		},
		cancel: cancel,
	}
	s.order = append(s.order, runID)
	s.mu.Unlock()

	return runCtx, cancel
}

// Get returns a copy of the RunState for runID or an unambiguous prefix of
// it — it matches iff exactly one key begins with the prefix.
func (s *Store) Get(runID string) (*RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resolve(runID)
	if !ok {
		return nil, false
	}
	cp := *e.state
	return &cp, true
}

// resolve must be called with s.mu held.
func (s *Store) resolve(idOrPrefix string) (*entry, bool) {
	if e, ok := s.entries[idOrPrefix]; ok {
		return e, true
	}
	var match *entry
	count := 0
	for id, e := range s.entries {
		if strings.HasPrefix(id, idOrPrefix) {
			count++
			match = e
			if count > 1 {
				return nil, false
			}
		}
	}
	if count == 1 {
		return match, true
	}
	return nil, false
}

// Update applies patch to runID's RunState as a shallow merge. Returns an
// error if runID does not resolve to exactly one entry.
func (s *Store) Update(runID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resolve(runID)
	if !ok {
		return fmt.Errorf("state: no run matching %q", runID)
	}
	if patch.Status != nil {
		e.state.Status = *patch.Status
	}
	if patch.Output != nil {
		e.state.Output = patch.Output
	}
	if patch.Err != nil {
		e.state.Err = patch.Err
	}
	if patch.Trace != nil {
		e.state.Trace = *patch.Trace
	}
	if patch.CompletedAt != nil {
		e.state.CompletedAt = *patch.CompletedAt
	}
	if isTerminal(e.state.Status) {
		e.state.PendingCheckpoints = map[string]*checkpoint.Pending{}
	}
	return nil
}

func isTerminal(s Status) bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// RegisterCheckpoint adds a pending checkpoint continuation to runID's
// registry (used by checkpoint.RunProvider via Register/Unregister funcs).
func (s *Store) RegisterCheckpoint(runID, checkpointID string, p *checkpoint.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resolve(runID)
	if !ok {
		return fmt.Errorf("state: no run matching %q", runID)
	}
	e.state.PendingCheckpoints[checkpointID] = p
	return nil
}

// UnregisterCheckpoint removes a pending checkpoint once it resolves.
func (s *Store) UnregisterCheckpoint(runID, checkpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.resolve(runID); ok {
		delete(e.state.PendingCheckpoints, checkpointID)
	}
}

// ResolveCheckpoint looks up a pending checkpoint by (possibly prefixed) id
// across the run's registry.
func (s *Store) ResolveCheckpoint(runID, checkpointID string) (*checkpoint.Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resolve(runID)
	if !ok {
		return nil, false
	}
	if p, ok := e.state.PendingCheckpoints[checkpointID]; ok {
		return p, true
	}
	var match *checkpoint.Pending
	count := 0
	for id, p := range e.state.PendingCheckpoints {
		if strings.HasPrefix(id, checkpointID) {
			count++
			match = p
			if count > 1 {
				return nil, false
			}
		}
	}
	if count == 1 {
		return match, true
	}
	return nil, false
}

// Cancel invokes the cancellation handle owned for runID, if it exists.
func (s *Store) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.resolve(runID)
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// List returns a copy of every RunState, sorted by StartedAt, newest first.
func (s *Store) List() []*RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RunState, 0, len(s.order))
	for _, id := range s.order {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		cp := *e.state
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of runs that have not reached a terminal
// status, for graceful-drain shutdown.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		switch e.state.Status {
		case StatusPending, StatusRunning:
			n++
		}
	}
	return n
}
