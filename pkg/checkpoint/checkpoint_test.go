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

package checkpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/f0rbit/runbook/pkg/checkpoint"
	"github.com/f0rbit/runbook/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedMatchesAndValidates(t *testing.T) {
	s := checkpoint.NewScripted().WithValue("approve", map[string]any{"approved": true})
	outSchema := schema.Object(map[string]*schema.Schema{"approved": {Type: schema.TypeBoolean}})

	value, err := s.Prompt(context.Background(), "ckpt-0", "approval", "please approve", outSchema)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, value)
}

func TestRunProviderResolvesViaRegistry(t *testing.T) {
	var mu sync.Mutex
	registry := map[string]*checkpoint.Pending{}

	provider := &checkpoint.RunProvider{
		Register:   func(id string, p *checkpoint.Pending) { mu.Lock(); registry[id] = p; mu.Unlock() },
		Unregister: func(id string) { mu.Lock(); delete(registry, id); mu.Unlock() },
	}

	go func() {
		// simulate the HTTP resolver arriving shortly after registration
		for i := 0; i < 50; i++ {
			mu.Lock()
			p, ok := registry["ckpt-1"]
			mu.Unlock()
			if ok {
				p.Resolve(true)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	value, err := provider.Prompt(context.Background(), "ckpt-1", "approval", "approve?", &schema.Schema{Type: schema.TypeBoolean})
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestRunProviderContextCancellation(t *testing.T) {
	provider := &checkpoint.RunProvider{
		Register:   func(string, *checkpoint.Pending) {},
		Unregister: func(string) {},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := provider.Prompt(ctx, "ckpt-2", "approval", "approve?", nil)
	assert.Error(t, err)
}
