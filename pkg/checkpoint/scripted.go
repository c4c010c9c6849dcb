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

package checkpoint

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/f0rbit/runbook/pkg/schema"
)

type scriptRule struct {
	pattern *regexp.Regexp
	value   any
}

// Scripted is the in-memory test variant: regex-keyed canned values,
// validated against the schema before being returned.
type Scripted struct {
	mu    sync.Mutex
	rules []scriptRule
}

func NewScripted() *Scripted {
	return &Scripted{}
}

// WithValue registers a canned value for prompts whose message matches
// pattern. Rules are tried in registration order.
func (s *Scripted) WithValue(pattern string, value any) *Scripted {
	s.mu.Lock()
	s.rules = append(s.rules, scriptRule{pattern: regexp.MustCompile(pattern), value: value})
	s.mu.Unlock()
	return s
}

func (s *Scripted) Prompt(ctx context.Context, checkpointID, stepID, message string, outputSchema *schema.Schema) (any, error) {
	s.mu.Lock()
	rules := make([]scriptRule, len(s.rules))
	copy(rules, s.rules)
	s.mu.Unlock()

	for _, rule := range rules {
		if rule.pattern.MatchString(message) {
			if issues := schema.Validate(outputSchema, rule.value); len(issues) > 0 {
				return nil, fmt.Errorf("scripted checkpoint value failed validation: %v", issues)
			}
			return rule.value, nil
		}
	}
	return nil, fmt.Errorf("scripted checkpoint: no rule matched message %q", message)
}
