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

package agentexec

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordedCall is one CreateSession or Prompt invocation, kept for test
// assertions.
type RecordedCall struct {
	Method    string
	SessionID string
	Text      string
}

// scriptRule pairs a regex against a prompt's text with the canned response
// to return when it matches.
type scriptRule struct {
	pattern  *regexp.Regexp
	response string
}

// Scripted is the in-memory test variant: regex-keyed responses with a
// configurable artificial delay and a recorded call log.
type Scripted struct {
	mu       sync.Mutex
	rules    []scriptRule
	delay    time.Duration
	calls    []RecordedCall
	sessions map[string]bool
}

// NewScripted constructs an empty Scripted executor.
func NewScripted() *Scripted {
	return &Scripted{sessions: make(map[string]bool)}
}

// WithResponse registers a canned response for prompts whose text matches
// pattern. Rules are tried in registration order; the first match wins.
func (s *Scripted) WithResponse(pattern, response string) *Scripted {
	re := regexp.MustCompile(pattern)
	s.mu.Lock()
	s.rules = append(s.rules, scriptRule{pattern: re, response: response})
	s.mu.Unlock()
	return s
}

// WithDelay sets an artificial delay applied before every Prompt returns,
// useful for exercising timeout and cancellation paths in tests.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
	return s
}

func (s *Scripted) CreateSession(ctx context.Context, opts SessionOpts) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = true
	s.calls = append(s.calls, RecordedCall{Method: "CreateSession", SessionID: id, Text: opts.Title})
	s.mu.Unlock()
	return id, nil
}

func (s *Scripted) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	s.mu.Lock()
	alive := s.sessions[sessionID]
	delay := s.delay
	s.calls = append(s.calls, RecordedCall{Method: "Prompt", SessionID: sessionID, Text: text})
	s.mu.Unlock()

	if !alive {
		return nil, fmt.Errorf("scripted: unknown session %q", sessionID)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	rules := make([]scriptRule, len(s.rules))
	copy(rules, s.rules)
	s.mu.Unlock()

	for _, rule := range rules {
		if rule.pattern.MatchString(text) {
			return &PromptResult{Text: rule.response}, nil
		}
	}
	return &PromptResult{Text: ""}, nil
}

func (s *Scripted) DestroySession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Scripted) HealthCheck(ctx context.Context) error {
	return nil
}

// Calls returns a copy of the recorded call log, in invocation order.
func (s *Scripted) Calls() []RecordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedCall, len(s.calls))
	copy(out, s.calls)
	return out
}
