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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName identifies runbookd's engine/router instrumentation scope.
const tracerName = "github.com/f0rbit/runbook"

// NewTracerProvider builds the process-wide TracerProvider and installs it
// as the global (so otel.Tracer(tracerName), used below, picks it up). The
// default exporter writes spans to stdout; production deployments replace
// it with an OTLP exporter via sdktrace.WithBatcher before calling this.
func NewTracerProvider(serviceName, version string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	allOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	if len(opts) == 0 {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: building stdout exporter: %w", err)
		}
		allOpts = append(allOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// ExporterConfig selects and configures the span exporter NewTracerProvider
// installs. The zero value selects the stdout exporter.
type ExporterConfig struct {
	// Kind is stdout (default), otlp-grpc, or otlp-http.
	Kind string
	// Endpoint is the collector address for the otlp-* kinds.
	Endpoint string
	// Insecure skips TLS for the otlp-* kinds, for local collectors.
	Insecure bool
}

// BatcherOption builds the sdktrace.WithBatcher option for cfg's exporter
// kind, for passing into NewTracerProvider. Production deployments call this
// with Kind set to otlp-grpc or otlp-http instead of relying on
// NewTracerProvider's no-opts stdout default.
func BatcherOption(ctx context.Context, cfg ExporterConfig) (sdktrace.TracerProviderOption, error) {
	switch cfg.Kind {
	case "otlp-grpc":
		var dialOpts []grpc.DialOption
		if cfg.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(dialOpts...),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: building otlp-grpc exporter: %w", err)
		}
		return sdktrace.WithBatcher(exporter), nil

	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: building otlp-http exporter: %w", err)
		}
		return sdktrace.WithBatcher(exporter), nil

	default:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: building stdout exporter: %w", err)
		}
		return sdktrace.WithBatcher(exporter), nil
	}
}

// StartRunSpan opens a span covering one engine.Run invocation. The trace
// collector still owns the authoritative event log — this span is an
// additional observability signal, never a replacement.
func StartRunSpan(ctx context.Context, runID, workflowID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("workflow_id", workflowID),
		),
	)
}

// StartStepSpan opens a span covering one step dispatch.
func StartStepSpan(ctx context.Context, stepID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step_id", stepID),
			attribute.String("step_kind", kind),
		),
	)
}

// EndSpan closes span, recording err as a span error when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
