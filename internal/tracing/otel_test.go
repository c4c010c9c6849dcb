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

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracerProviderDefaultsToStdoutExporter(t *testing.T) {
	tp, err := NewTracerProvider("runbookd-test", "0.0.0")
	require.NoError(t, err)
	require.NotNil(t, tp)
	defer tp.Shutdown(context.Background())
}

func TestBatcherOptionStdoutDefault(t *testing.T) {
	opt, err := BatcherOption(context.Background(), ExporterConfig{})
	require.NoError(t, err)
	assert.NotNil(t, opt)
}

func TestBatcherOptionOTLPGRPCDoesNotDialEagerly(t *testing.T) {
	// otlptracegrpc.New only establishes the exporter object; it does not
	// dial the collector until the first export, so this succeeds even
	// with no collector listening at the endpoint.
	opt, err := BatcherOption(context.Background(), ExporterConfig{
		Kind:     "otlp-grpc",
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, opt)
}

func TestBatcherOptionOTLPHTTP(t *testing.T) {
	opt, err := BatcherOption(context.Background(), ExporterConfig{
		Kind:     "otlp-http",
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, opt)
}

func TestStartRunSpanAndEndSpanRecordsError(t *testing.T) {
	tp, err := NewTracerProvider("runbookd-test", "0.0.0")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, span := StartRunSpan(context.Background(), "run-1", "wf-1")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}

func TestStartStepSpanAndEndSpanSuccess(t *testing.T) {
	tp, err := NewTracerProvider("runbookd-test", "0.0.0")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	_, span := StartStepSpan(context.Background(), "step-1", "shell")
	EndSpan(span, nil)
}
