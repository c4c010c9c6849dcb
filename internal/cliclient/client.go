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

// Package cliclient is the cmd/runbook CLI's thin HTTP binding to a
// runbookd control plane.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	runbookerrors "github.com/f0rbit/runbook/pkg/errors"
)

// Client wraps one runbookd base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. baseURL defaults to http://localhost:4400.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:4400"
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// RunRequest/Result mirror the router's JSON wire shapes.
type RunRequest struct {
	Input any `json:"input"`
}

type RunResult struct {
	RunID string `json:"run_id"`
}

func (c *Client) RunWorkflow(ctx context.Context, workflowID string, input any) (*RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/workflows/"+workflowID+"/run", RunRequest{Input: input}, &out)
	return &out, err
}

func (c *Client) ResumeWorkflow(ctx context.Context, workflowID, runID string) (*RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/workflows/"+workflowID+"/resume/"+runID, nil, &out)
	return &out, err
}

func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/cancel", nil, nil)
}

func (c *Client) GetRun(ctx context.Context, runID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, &out)
	return out, err
}

func (c *Client) GetTrace(ctx context.Context, runID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/runs/"+runID+"/trace", nil, &out)
	return out, err
}

// ResolveCheckpoint submits a human-supplied value for a pending checkpoint.
func (c *Client) ResolveCheckpoint(ctx context.Context, runID, checkpointID string, value any) error {
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/checkpoints/"+checkpointID, map[string]any{"value": value}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cliclient: encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cliclient: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &runbookerrors.ClientError{Kind: "unreachable", Cause: fmt.Errorf("calling runbookd at %s: %w", c.baseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return &runbookerrors.ClientError{
			Kind:       "http_status",
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s", string(payload)),
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
