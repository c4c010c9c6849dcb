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
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// NonStructural is the set of fields a live-reload may change without
// restarting the process: log level and the agent stall timeout.
type NonStructural struct {
	LogLevel       string
	StallTimeoutMs int64
}

// Watch watches path for writes and calls onChange with the reloaded
// non-structural settings. Structural changes (listen address, artifact
// repo path, etc.) are logged as a warning and otherwise ignored — the
// operator must restart runbookd to pick those up.
func Watch(path string, logger *slog.Logger, onChange func(NonStructural)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	current, err := Load(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping previous settings", "error", err)
					continue
				}
				if structuralDiff(current, reloaded) {
					logger.Warn("config file changed structural settings; restart runbookd to apply them")
				}
				current = reloaded
				onChange(NonStructural{
					LogLevel:       reloaded.Log.Level,
					StallTimeoutMs: reloaded.Limits.StallTimeoutMs,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}

func structuralDiff(a, b *Config) bool {
	return a.Server != b.Server ||
		a.Providers != b.Providers ||
		a.Artifacts != b.Artifacts
}
