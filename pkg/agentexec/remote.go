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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/f0rbit/runbook/internal/log"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// RemoteConfig configures the remote agent-service binding.
type RemoteConfig struct {
	BaseURL     string
	TokenSource oauth2.TokenSource

	// StallTimeout is how long a session may sit idle before the monitor
	// aborts it. Default 180s.
	StallTimeout time.Duration

	// PollInterval is the stall monitor's polling cadence. Default 5s.
	PollInterval time.Duration

	// SubscribePollInterval is Subscribe's polling cadence. Default 3s.
	SubscribePollInterval time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.StallTimeout <= 0 {
		c.StallTimeout = 180 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.SubscribePollInterval <= 0 {
		c.SubscribePollInterval = 3 * time.Second
	}
	return c
}

// Remote is the remote-binding Agent Executor: it issues prompt requests
// against a remote agent service and concurrently runs a stall-detection
// monitor.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	logger *slog.Logger

	// limiter rate-limits the stall monitor's session.list polls.
	limiter *rate.Limiter

	// stallTimeoutNs overrides cfg.StallTimeout once non-zero, so
	// SetStallTimeout can be applied by a running stall monitor goroutine
	// without a data race.
	stallTimeoutNs atomic.Int64
}

// stallTimeout returns the live stall timeout: the value set via
// SetStallTimeout if any, otherwise the value NewRemote was configured with.
func (r *Remote) stallTimeout() time.Duration {
	if ns := r.stallTimeoutNs.Load(); ns > 0 {
		return time.Duration(ns)
	}
	return r.cfg.StallTimeout
}

// SetStallTimeout updates the idle threshold used by future and in-flight
// stall monitor checks, for config.Watch's live-reload — only the threshold
// itself is adjustable without a restart.
func (r *Remote) SetStallTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.stallTimeoutNs.Store(int64(d))
}

// NewRemote constructs a Remote executor. The HTTP client is built via
// pkg/httpclient (retry/logging/TLS/correlation-id transport) wrapped with
// an oauth2 bearer-token transport for the agent service's auth.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = "runbook-agentexec/1.0"
	base, err := httpclient.New(httpCfg)
	if err != nil {
		// DefaultConfig is always valid; this would only fire on programmer error.
		base = &http.Client{Timeout: httpCfg.Timeout}
	}

	var transport http.RoundTripper = base.Transport
	if cfg.TokenSource != nil {
		transport = &oauth2.Transport{Source: cfg.TokenSource, Base: transport}
	}
	client := &http.Client{Transport: transport, Timeout: base.Timeout}

	return &Remote{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval/2), 1),
	}
}

func (r *Remote) url(path string) string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + path
}

type createSessionRequest struct {
	Title            string `json:"title"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	Permissions      any    `json:"permissions,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (r *Remote) CreateSession(ctx context.Context, opts SessionOpts) (string, error) {
	body, _ := json.Marshal(createSessionRequest{
		Title:            opts.Title,
		SystemPrompt:     opts.SystemPrompt,
		WorkingDirectory: opts.WorkingDirectory,
		Permissions:      opts.Permissions,
	})

	var out createSessionResponse
	if err := r.doJSON(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return "", &runbookerrors.AgentError{Kind: "create_session_failed", Cause: err}
	}
	return out.SessionID, nil
}

func (r *Remote) DestroySession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.url("/sessions/"+sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &runbookerrors.AgentError{Kind: "destroy_session_failed", SessionID: sessionID, Cause: err}
	}
	defer resp.Body.Close()
	return nil
}

func (r *Remote) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url("/health"), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &runbookerrors.AgentError{Kind: "health_check_failed", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &runbookerrors.AgentError{Kind: "health_check_failed", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

type promptRequest struct {
	Text string `json:"text"`
}

type promptResponse struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls"`
	FilesChanged []string   `json:"files_changed"`
}

// Prompt issues the prompt request and, concurrently, runs the stall
// monitor. Whichever finishes first wins; a stall triggers an abort (never
// a session destroy) so an operator can attach.
func (r *Remote) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()

	type outcome struct {
		result *PromptResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	stallCh := make(chan *stallSummary, 1)

	go func() {
		res, err := r.doPrompt(ctx, sessionID, text)
		resultCh <- outcome{res, err}
	}()
	go r.runStallMonitor(monitorCtx, sessionID, stallCh)

	select {
	case o := <-resultCh:
		return o.result, o.err
	case summary := <-stallCh:
		log.Trace(r.logger, "agent session stalled, aborting", log.String("session_id", sessionID))
		_ = r.abortSession(context.Background(), sessionID)
		return nil, &runbookerrors.AgentError{
			Kind:      "stall_timeout",
			SessionID: sessionID,
			Cause:     fmt.Errorf("session stalled for >%s: %s", r.stallTimeout(), summary.String()),
		}
	}
}

func (r *Remote) doPrompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	body, _ := json.Marshal(promptRequest{Text: text})

	var out promptResponse
	if err := r.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/prompt", body, &out); err != nil {
		return nil, &runbookerrors.AgentError{Kind: "prompt_failed", SessionID: sessionID, Cause: err}
	}

	result := &PromptResult{Text: out.Text, ToolCalls: out.ToolCalls, FilesChanged: out.FilesChanged}
	if len(result.FilesChanged) == 0 {
		result.FilesChanged = DeriveFilesChanged(result.ToolCalls)
	}
	return result, nil
}

func (r *Remote) abortSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url("/sessions/"+sessionID+"/abort"), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (r *Remote) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent service returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- stall detection ---

type sessionStatus struct {
	ID                  string    `json:"id"`
	ParentID            string    `json:"parent_id,omitempty"`
	Title               string    `json:"title"`
	Busy                bool      `json:"busy"`
	UpdatedAt           time.Time `json:"updated_at"`
	PendingPermissionID string    `json:"pending_permission_id,omitempty"`
	PendingQuestionIDs  []string  `json:"pending_question_ids,omitempty"`
}

type stallSummary struct {
	ParentTitle         string
	ChildIDs            []string
	ChildTitles         []string
	PendingPermissionID string
}

func (s *stallSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "parent=%q", s.ParentTitle)
	if len(s.ChildIDs) > 0 {
		fmt.Fprintf(&b, " children=%v titles=%v", s.ChildIDs, s.ChildTitles)
	}
	if s.PendingPermissionID != "" {
		fmt.Fprintf(&b, " pending_permission=%s", s.PendingPermissionID)
	}
	return b.String()
}

// runStallMonitor polls the session tree every PollInterval, auto-rejects
// pending questions (runbook is non-interactive — human input is a
// Checkpoint step, never an agent question), and tracks an idle timer driven
// by the maximum time.updated across the tree. It pushes to stallCh exactly
// once, if ever, when the idle timer exceeds StallTimeout.
func (r *Remote) runStallMonitor(ctx context.Context, rootSessionID string, stallCh chan<- *stallSummary) {
	idleSince := time.Now()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		tree, err := r.fetchSessionTree(ctx, rootSessionID)
		if err != nil {
			continue // transient listing failure; try again next tick
		}

		r.autoRejectPendingQuestions(ctx, tree)

		root := findSession(tree, rootSessionID)
		pendingPermission := firstPendingPermission(tree)

		if root != nil && root.Busy && pendingPermission == "" {
			idleSince = time.Now()
		} else if maxUpdated := maxUpdatedAt(tree); !maxUpdated.IsZero() && maxUpdated.After(idleSince) {
			idleSince = maxUpdated
		}

		if time.Since(idleSince) > r.stallTimeout() {
			summary := &stallSummary{PendingPermissionID: pendingPermission}
			if root != nil {
				summary.ParentTitle = root.Title
			}
			for _, s := range tree {
				if s.ParentID == rootSessionID {
					summary.ChildIDs = append(summary.ChildIDs, s.ID)
					summary.ChildTitles = append(summary.ChildTitles, s.Title)
				}
			}
			select {
			case stallCh <- summary:
			default:
			}
			return
		}
	}
}

func (r *Remote) fetchSessionTree(ctx context.Context, rootSessionID string) ([]sessionStatus, error) {
	var tree []sessionStatus
	if err := r.doJSON(ctx, http.MethodGet, "/sessions?tree="+rootSessionID, nil, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (r *Remote) autoRejectPendingQuestions(ctx context.Context, tree []sessionStatus) {
	for _, s := range tree {
		for _, questionID := range s.PendingQuestionIDs {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				r.url(fmt.Sprintf("/sessions/%s/questions/%s/reject", s.ID, questionID)), nil)
			if err != nil {
				continue
			}
			resp, err := r.client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
		}
	}
}

func findSession(tree []sessionStatus, id string) *sessionStatus {
	for i := range tree {
		if tree[i].ID == id {
			return &tree[i]
		}
	}
	return nil
}

func firstPendingPermission(tree []sessionStatus) string {
	for _, s := range tree {
		if s.PendingPermissionID != "" {
			return s.PendingPermissionID
		}
	}
	return ""
}

func maxUpdatedAt(tree []sessionStatus) time.Time {
	var max time.Time
	for _, s := range tree {
		if s.UpdatedAt.After(max) {
			max = s.UpdatedAt
		}
	}
	return max
}

// --- Subscribe ---

type sessionPart struct {
	PartID   string `json:"part_id"`
	Phase    string `json:"phase"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs any    `json:"tool_args,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// Subscribe polls session messages and children every SubscribePollInterval,
// deduplicates parts by (part_id, phase), and translates new parts into
// AgentEvents. The returned channel is closed when ctx is cancelled.
func (r *Remote) Subscribe(ctx context.Context, sessionID string) (<-chan AgentEvent, error) {
	events := make(chan AgentEvent, 16)
	go func() {
		defer close(events)

		seen := make(map[string]struct{})
		var mu sync.Mutex
		ticker := time.NewTicker(r.cfg.SubscribePollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ids := []string{sessionID}
			if tree, err := r.fetchSessionTree(ctx, sessionID); err == nil {
				for _, s := range tree {
					if s.ParentID == sessionID {
						ids = append(ids, s.ID)
					}
				}
			}
			var parts []sessionPart
			for _, id := range ids {
				var sp []sessionPart
				if err := r.doJSON(ctx, http.MethodGet, "/sessions/"+id+"/parts", nil, &sp); err != nil {
					continue
				}
				parts = append(parts, sp...)
			}

			mu.Lock()
			for _, p := range parts {
				key := p.PartID + "|" + p.Phase
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				mu.Unlock()
				select {
				case events <- translatePart(p):
				case <-ctx.Done():
					return
				}
				mu.Lock()
			}
			mu.Unlock()
		}
	}()
	return events, nil
}

func translatePart(p sessionPart) AgentEvent {
	switch p.Type {
	case "tool_call":
		return AgentEvent{Type: AgentEventToolCall, ToolName: p.ToolName, ToolArgs: p.ToolArgs}
	case "tool_result":
		return AgentEvent{Type: AgentEventToolResult, ToolName: p.ToolName, ToolResult: p.Result}
	default:
		return AgentEvent{Type: AgentEventTextChunk, Text: p.Text}
	}
}
