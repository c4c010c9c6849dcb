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

// Package config loads the daemon's YAML configuration and watches it for
// live-reload of non-structural settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// DefaultServerURL is used when RUNBOOK_URL is unset.
const DefaultServerURL = "http://localhost:4400"

// Config is the complete runbookd configuration document.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Limits    LimitsConfig    `yaml:"limits"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, error, or trace.
	Level string `yaml:"level,omitempty"`
	// Format is json or text.
	Format string `yaml:"format,omitempty"`
}

// ServerConfig configures the HTTP control plane listener.
type ServerConfig struct {
	// ListenAddr is the address runbookd binds, e.g. ":4400".
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`
}

// ProvidersConfig configures the remote agent-service binding.
type ProvidersConfig struct {
	// AgentServiceURL is the base URL of the remote agent service.
	AgentServiceURL string `yaml:"agent_service_url,omitempty"`
	// AgentAPIKeyEnv names the environment variable holding the bearer
	// token, so the key itself never appears in the config file.
	AgentAPIKeyEnv string `yaml:"agent_api_key_env,omitempty"`
}

// ArtifactsConfig configures the git-backed artifact store.
type ArtifactsConfig struct {
	// Enabled turns on artifact persistence at checkpoint/terminal state.
	Enabled bool `yaml:"enabled"`
	// RepoPath is the git repository (bare or non-bare) used as the
	// object database backend.
	RepoPath string `yaml:"repo_path,omitempty"`
	// Remote is the git remote name used by push/pull, default "origin".
	Remote string `yaml:"remote,omitempty"`
}

// LimitsConfig configures the engine's default timeouts.
type LimitsConfig struct {
	// AgentTimeoutMs is the default agent-step prompt timeout.
	AgentTimeoutMs int64 `yaml:"agent_timeout_ms,omitempty"`
	// StallTimeoutMs is the agent stall-detection idle threshold.
	StallTimeoutMs int64 `yaml:"stall_timeout_ms,omitempty"`
	// ShellTimeoutMs is the default shell-step timeout when a step doesn't
	// set its own.
	ShellTimeoutMs int64 `yaml:"shell_timeout_ms,omitempty"`
	// DrainTimeout bounds graceful shutdown (cmd/runbookd).
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// TracingConfig selects the span exporter backend. The trace collector's
// event log remains authoritative; OTel spans are a supplementary signal.
type TracingConfig struct {
	// Exporter is stdout (default), otlp-grpc, or otlp-http.
	Exporter string `yaml:"exporter,omitempty"`
	// Endpoint is the collector address for the otlp-* exporters.
	Endpoint string `yaml:"endpoint,omitempty"`
	// Insecure skips TLS for the otlp-* exporters, for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{ListenAddr: ":4400"},
		Providers: ProvidersConfig{
			AgentServiceURL: DefaultServerURL,
			AgentAPIKeyEnv:  "RUNBOOK_AGENT_API_KEY",
		},
		Artifacts: ArtifactsConfig{Enabled: false, Remote: "origin"},
		Limits: LimitsConfig{
			AgentTimeoutMs: 180_000,
			StallTimeoutMs: 180_000,
			ShellTimeoutMs: 0,
			DrainTimeout:   30 * time.Second,
		},
		Tracing: TracingConfig{Exporter: "stdout"},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default(). An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		applyEnv(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	parsed := Default()
	if err := yaml.Unmarshal(data, parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	applyEnv(parsed)
	return parsed, nil
}

// applyEnv applies environment overrides: RUNBOOK_URL, RUNBOOK_LISTEN_ADDR
// and RUNBOOK_LOG_LEVEL.
func applyEnv(cfg *Config) {
	if url := os.Getenv("RUNBOOK_URL"); url != "" {
		cfg.Providers.AgentServiceURL = url
	}
	if addr := os.Getenv("RUNBOOK_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if level := os.Getenv("RUNBOOK_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// ResolveAgentAPIKey reads the bearer token from the environment variable
// named by Providers.AgentAPIKeyEnv.
func (c *Config) ResolveAgentAPIKey() string {
	if c.Providers.AgentAPIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Providers.AgentAPIKeyEnv)
}
