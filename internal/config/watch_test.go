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

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatchReloadsNonStructuralChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	var got NonStructural
	changed := make(chan struct{}, 1)

	watcher, err := Watch(path, discardLogger(), func(n NonStructural) {
		mu.Lock()
		got = n
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\nlimits:\n  stall_timeout_ms: 60000\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked after config file write")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "debug", got.LogLevel)
	require.EqualValues(t, 60000, got.StallTimeoutMs)
}

func TestWatchRejectsMissingFile(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "does-not-exist.yaml"), discardLogger(), func(NonStructural) {})
	require.Error(t, err)
}
