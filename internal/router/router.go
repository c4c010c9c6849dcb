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

// Package router implements the stateless HTTP control plane that accepts
// run submissions, schedules the engine asynchronously, and exposes the
// run/trace/checkpoint surface.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/f0rbit/runbook/internal/daemon/httputil"
	"github.com/f0rbit/runbook/internal/log"
	"github.com/f0rbit/runbook/internal/metrics"
	"github.com/f0rbit/runbook/internal/state"
	"github.com/f0rbit/runbook/internal/tracing"
	"github.com/f0rbit/runbook/pkg/artifact"
	"github.com/f0rbit/runbook/pkg/checkpoint"
	"github.com/f0rbit/runbook/pkg/engine"
	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
	"github.com/f0rbit/runbook/pkg/schema"
	"github.com/f0rbit/runbook/pkg/trace"
	"github.com/google/uuid"
)

// Registry describes the set of workflows the router can run, and how to
// build the Providers bound to each engine invocation.
type Registry struct {
	Workflows map[string]*engine.Workflow
	Providers engine.Providers
}

// Config bundles the router's collaborators.
type Config struct {
	Registry  Registry
	Store     *state.Store
	Artifacts *artifact.Store  // nil disables artifact persistence
	Metrics   *metrics.Metrics // nil disables /metrics
	Version   string
	Logger    *slog.Logger
}

// Router is the HTTP control plane. The zero value is not usable;
// construct with New.
type Router struct {
	cfg    Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// New builds a Router with every route registered.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Router{cfg: cfg, mux: http.NewServeMux(), logger: cfg.Logger}
	r.routes()
	return r
}

// ServeHTTP implements http.Handler, wrapping the mux with the daemon's
// correlation and request-logging middleware.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))
		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()
		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /workflows", r.handleListWorkflows)
	r.mux.HandleFunc("POST /workflows/{id}/run", r.handleRunWorkflow)
	r.mux.HandleFunc("POST /workflows/{id}/resume/{run_id}", r.handleResumeWorkflow)
	r.mux.HandleFunc("GET /runs", r.handleListRuns)
	r.mux.HandleFunc("GET /runs/history", r.handleRunHistory)
	r.mux.HandleFunc("GET /runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("GET /runs/{id}/trace", r.handleGetTrace)
	r.mux.HandleFunc("GET /runs/{id}/events", r.handleEvents)
	r.mux.HandleFunc("POST /runs/{id}/cancel", r.handleCancel)
	r.mux.HandleFunc("POST /runs/{id}/checkpoints/{checkpoint_id}", r.handleResolveCheckpoint)
	if r.cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", r.cfg.Metrics.Handler())
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workflowSummary struct {
	ID           string `json:"id"`
	InputSchema  any    `json:"input_schema"`
	OutputSchema any    `json:"output_schema"`
	StepCount    int    `json:"step_count"`
}

func (r *Router) handleListWorkflows(w http.ResponseWriter, req *http.Request) {
	summaries := make([]workflowSummary, 0, len(r.cfg.Registry.Workflows))
	for id, wf := range r.cfg.Registry.Workflows {
		summaries = append(summaries, workflowSummary{
			ID: id, InputSchema: wf.InputSchema, OutputSchema: wf.OutputSchema, StepCount: len(wf.Steps),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func (r *Router) handleRunWorkflow(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	wf, ok := r.cfg.Registry.Workflows[id]
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow %q", id))
		return
	}

	var body struct {
		Input any `json:"input"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if issues := schema.Validate(wf.InputSchema, body.Input); len(issues) > 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_input", "issues": issues})
		return
	}

	runID := uuid.New().String()
	r.startRun(wf, runID, body.Input, nil)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (r *Router) handleResumeWorkflow(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	wf, ok := r.cfg.Registry.Workflows[id]
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown workflow %q", id))
		return
	}

	sourceRunID := req.PathValue("run_id")
	source, ok := r.cfg.Store.Get(sourceRunID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown run %q", sourceRunID))
		return
	}

	snapshot, err := buildResumeSnapshot(source)
	if err != nil {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}

	runID := uuid.New().String()
	snapshot.RunID = runID
	r.startRun(wf, runID, source.Input, snapshot)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "resumed_from": sourceRunID})
}

// buildResumeSnapshot scans source's trace for the last checkpoint_waiting
// event and replays every step_complete preceding it.
func buildResumeSnapshot(source *state.RunState) (*engine.Snapshot, error) {
	lastWaiting := -1
	for i, ev := range source.Trace.Events {
		if ev.Type == trace.EventCheckpointWaiting {
			lastWaiting = i
		}
	}
	if lastWaiting == -1 {
		return nil, fmt.Errorf("no_checkpoint_found")
	}

	completed := map[string]any{}
	for _, ev := range source.Trace.Events[:lastWaiting] {
		if ev.Type == trace.EventStepComplete {
			completed[ev.StepID] = ev.Output
		}
	}

	return &engine.Snapshot{
		WorkflowID:     source.WorkflowID,
		Input:          source.Input,
		CompletedSteps: completed,
		ResumeAt:       source.Trace.Events[lastWaiting].StepID,
	}, nil
}

// startRun wires a fresh checkpoint provider and trace listener into one
// engine invocation and schedules it on its own goroutine.
func (r *Router) startRun(wf *engine.Workflow, runID string, input any, snapshot *engine.Snapshot) {
	runCtx, cancel := r.cfg.Store.Create(context.Background(), runID, wf.ID, input)
	_ = cancel // owned by the store; Cancel() invokes it

	running := state.StatusRunning
	_ = r.cfg.Store.Update(runID, state.Patch{Status: &running})

	providers := r.cfg.Registry.Providers
	providers.Checkpoint = &checkpoint.RunProvider{
		Register: func(checkpointID string, pending *checkpoint.Pending) {
			_ = r.cfg.Store.RegisterCheckpoint(runID, checkpointID, pending)
		},
		Unregister: func(checkpointID string) {
			r.cfg.Store.UnregisterCheckpoint(runID, checkpointID)
		},
	}

	eng := engine.New(providers, r.logger)

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveRuns.Inc()
	}

	// Parallel branches emit from distinct goroutines, so the accumulator
	// here needs its own lock independent of the collector's.
	var eventsMu sync.Mutex
	var events []trace.Event
	onTrace := func(ev trace.Event) {
		eventsMu.Lock()
		events = append(events, ev)
		eventsCopy := append([]trace.Event(nil), events...)
		eventsMu.Unlock()

		live := trace.Trace{RunID: runID, WorkflowID: wf.ID, Events: eventsCopy}
		_ = r.cfg.Store.Update(runID, state.Patch{Trace: &live})
		if ev.Type == trace.EventCheckpointWaiting {
			r.persistArtifact(runID, wf.ID, input, 0)
		}
		if ev.Type == trace.EventStepComplete && r.cfg.Metrics != nil {
			r.cfg.Metrics.StepDuration.WithLabelValues(wf.ID, ev.StepID).Observe(float64(ev.DurationMs) / 1000)
		}
	}

	go func() {
		result, err := eng.Run(runCtx, wf, input, engine.RunOpts{RunID: runID, OnTrace: onTrace, Snapshot: snapshot})
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ActiveRuns.Dec()
		}
		r.finishRun(runID, wf.ID, input, result, err)
	}()
}

// finishRun writes the terminal RunState, distinguishing cancelled from
// failure by inspecting whether an explicit cancel request already set the
// status, or the failure's inner error is aborted.
func (r *Router) finishRun(runID, workflowID string, input any, result *engine.RunResult, runErr error) {
	completedAt := time.Now().UTC()

	if runErr == nil {
		success := state.StatusSuccess
		_ = r.cfg.Store.Update(runID, state.Patch{
			Status: &success, Output: result.Output, Trace: &result.Trace, CompletedAt: &completedAt,
		})
		r.recordTerminalMetrics(workflowID, string(success), result.DurationMs)
		r.persistTerminal(runID, workflowID, input, result.Output, result.DurationMs, result.Trace)
		return
	}

	var wfErr *runbookerrors.WorkflowError
	var partial trace.Trace
	aborted := false
	if wfe, ok := runErr.(*runbookerrors.WorkflowError); ok {
		wfErr = wfe
		if tr, ok := wfe.Partial.(trace.Trace); ok {
			partial = tr
		}
		aborted = wfe.Kind == runbookerrors.KindStepFailed && wfe.Err != nil && wfe.Err.Kind == runbookerrors.KindAborted
	}

	status := state.StatusFailure
	if existing, ok := r.cfg.Store.Get(runID); ok && existing.Status == state.StatusCancelled {
		status = state.StatusCancelled
	} else if aborted {
		status = state.StatusCancelled
	}

	patch := state.Patch{Status: &status, Trace: &partial, CompletedAt: &completedAt}
	if wfErr != nil {
		patch.Err = wfErr
	}
	_ = r.cfg.Store.Update(runID, patch)
	r.recordTerminalMetrics(workflowID, string(status), partial.DurationMs)
	r.persistTerminal(runID, workflowID, input, nil, partial.DurationMs, partial)
}

func (r *Router) recordTerminalMetrics(workflowID, status string, durationMs int64) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.RunsTotal.WithLabelValues(workflowID, status).Inc()
	r.cfg.Metrics.RunDuration.WithLabelValues(workflowID).Observe(float64(durationMs) / 1000)
}

func (r *Router) persistTerminal(runID, workflowID string, input, output any, durationMs int64, tr trace.Trace) {
	if r.cfg.Artifacts == nil {
		return
	}
	err := r.cfg.Artifacts.Store(artifact.StorableRun{
		RunID: runID, WorkflowID: workflowID, Input: input, Output: output,
		DurationMs: durationMs, StartedAt: time.Now().UTC(), Trace: tr,
	})
	if err != nil {
		r.logger.Warn("artifact store write failed", log.String(log.RunIDKey, runID), log.Error(err))
	}
}

func (r *Router) persistArtifact(runID, workflowID string, input any, durationMs int64) {
	if r.cfg.Artifacts == nil {
		return
	}
	run, ok := r.cfg.Store.Get(runID)
	if !ok {
		return
	}
	err := r.cfg.Artifacts.Store(artifact.StorableRun{
		RunID: runID, WorkflowID: workflowID, Input: input, Output: run.Output,
		DurationMs: durationMs, StartedAt: run.StartedAt, Trace: run.Trace,
	})
	if err != nil {
		r.logger.Warn("artifact store checkpoint write failed", log.String(log.RunIDKey, runID), log.Error(err))
	}
}

type runSummary struct {
	RunID              string   `json:"run_id"`
	WorkflowID         string   `json:"workflow_id"`
	Status             string   `json:"status"`
	StartedAt          string   `json:"started_at"`
	CompletedAt        string   `json:"completed_at,omitempty"`
	PendingCheckpoints []string `json:"pending_checkpoints"`
	Output             any      `json:"output,omitempty"`
	Error              string   `json:"error,omitempty"`
}

func toSummary(rs *state.RunState) runSummary {
	ids := make([]string, 0, len(rs.PendingCheckpoints))
	for id := range rs.PendingCheckpoints {
		ids = append(ids, id)
	}
	s := runSummary{
		RunID: rs.RunID, WorkflowID: rs.WorkflowID, Status: string(rs.Status),
		StartedAt: rs.StartedAt.Format(time.RFC3339), Output: rs.Output,
		PendingCheckpoints: ids,
	}
	if !rs.CompletedAt.IsZero() {
		s.CompletedAt = rs.CompletedAt.Format(time.RFC3339)
	}
	if rs.Err != nil {
		s.Error = rs.Err.Error()
	}
	return s
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	runs := r.cfg.Store.List()
	out := make([]runSummary, 0, len(runs))
	for _, rs := range runs {
		out = append(out, toSummary(rs))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	rs, ok := r.cfg.Store.Get(req.PathValue("id"))
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSummary(rs))
}

func (r *Router) handleGetTrace(w http.ResponseWriter, req *http.Request) {
	rs, ok := r.cfg.Store.Get(req.PathValue("id"))
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trace": rs.Trace})
}

// handleEvents streams the run's trace as Server-Sent Events. Because the
// in-memory Trace only grows monotonically, it polls the store
// rather than subscribing directly to the engine's listener — acceptable
// here since SSE clients already tolerate network-level latency.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")
	rs, ok := r.cfg.Store.Get(runID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown run")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := 0
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	writeFrom := func(rs *state.RunState) {
		for ; sent < len(rs.Trace.Events); sent++ {
			data, err := json.Marshal(rs.Trace.Events[sent])
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flusher.Flush()
	}
	writeFrom(rs)

	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			rs, ok := r.cfg.Store.Get(runID)
			if !ok {
				return
			}
			writeFrom(rs)
			if isTerminalStatus(rs.Status) && sent >= len(rs.Trace.Events) {
				return
			}
		}
	}
}

func isTerminalStatus(s state.Status) bool {
	return s == state.StatusSuccess || s == state.StatusFailure || s == state.StatusCancelled
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")
	rs, ok := r.cfg.Store.Get(runID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown run")
		return
	}
	if isTerminalStatus(rs.Status) {
		httputil.WriteError(w, http.StatusConflict, "run already terminal")
		return
	}

	cancelled := state.StatusCancelled
	_ = r.cfg.Store.Update(runID, state.Patch{Status: &cancelled})
	r.cfg.Store.Cancel(runID)

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (r *Router) handleResolveCheckpoint(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")
	checkpointID := req.PathValue("checkpoint_id")

	pending, ok := r.cfg.Store.ResolveCheckpoint(runID, checkpointID)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown checkpoint")
		return
	}

	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if issues := pending.Resolve(body.Value); len(issues) > 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_value", "issues": issues})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (r *Router) handleRunHistory(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Artifacts == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": []artifact.StorableRun{}, "source": "git"})
		return
	}

	var workflowID string
	limit := 0
	if v := req.URL.Query().Get("workflow_id"); v != "" {
		workflowID = v
	}

	runs, err := r.cfg.Artifacts.List(workflowID, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs, "source": "git"})
}
