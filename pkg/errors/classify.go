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

package errors

import "fmt"

// IsUserVisible is always true for a control-plane client error: the CLI has
// nothing more specific to show the operator.
func (e *ClientError) IsUserVisible() bool { return true }

func (e *ClientError) UserMessage() string {
	switch e.Kind {
	case "http_status":
		return fmt.Sprintf("runbookd rejected the request (HTTP %d)", e.StatusCode)
	case "unreachable":
		return "could not reach runbookd"
	default:
		return e.Error()
	}
}

func (e *ClientError) Suggestion() string {
	switch e.Kind {
	case "http_status":
		if e.StatusCode == 404 {
			return "check the workflow or run ID"
		}
		return "check runbookd's logs for details"
	case "unreachable":
		return "confirm runbookd is running and --server points at it"
	default:
		return ""
	}
}

// ErrorType/IsRetryable implement ErrorClassifier for ClientError: a transport
// failure or 5xx is worth a retry, a 4xx is not.
func (e *ClientError) ErrorType() string { return "client_" + e.Kind }

func (e *ClientError) IsRetryable() bool {
	if e.Kind == "unreachable" {
		return true
	}
	return e.StatusCode >= 500
}

// ErrorType/IsRetryable implement ErrorClassifier for WorkflowError, letting
// callers like cmd/runbookd's daemon loop decide whether a failed run is
// worth automatic resubmission without inspecting the Kind tag directly.
func (e *WorkflowError) ErrorType() string { return string(e.Kind) }

func (e *WorkflowError) IsRetryable() bool {
	return e.Kind == KindStepFailed && e.Err != nil && e.Err.Kind == KindTimeout
}

func (e *StepError) ErrorType() string { return string(e.Kind) }

func (e *StepError) IsRetryable() bool {
	switch e.Kind {
	case KindTimeout, KindAgentError, KindShellError:
		return true
	default:
		return false
	}
}
