// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the resource when Options.ServiceName is empty.
const DefaultServiceName = "capcore"

// Exporter kinds accepted by Setup.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterNone   = "none"
)

const (
	batchTimeout   = time.Second
	metricInterval = time.Minute
)

// ShutdownFunc flushes and stops the providers installed by Setup.
type ShutdownFunc func(context.Context) error

// Options selects where execution spans and metrics go.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Exporter is ExporterStdout (the default), ExporterOTLP or ExporterNone.
	// ExporterNone still records in-process so tests and readers can observe.
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	// OTLPTimeout bounds each export call. Zero keeps the exporter default.
	OTLPTimeout time.Duration
}

type exporters struct {
	spans   sdktrace.SpanExporter
	metrics sdkmetric.Exporter
}

// Setup installs global tracer and meter providers plus W3C trace-context and
// baggage propagation.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	name := strings.TrimSpace(opts.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(opts.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exp, err := newExporters(ctx, opts)
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp.spans != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp.spans, sdktrace.WithBatchTimeout(batchTimeout)))
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if exp.metrics != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp.metrics, sdkmetric.WithInterval(metricInterval))))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newExporters(ctx context.Context, opts Options) (exporters, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Exporter)) {
	case "", ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return exporters{}, fmt.Errorf("stdout span exporter: %w", err)
		}
		metrics, err := stdoutmetric.New()
		if err != nil {
			return exporters{}, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return exporters{spans: spans, metrics: metrics}, nil
	case ExporterNone:
		return exporters{}, nil
	case ExporterOTLP:
		return otlpExporters(ctx, opts)
	default:
		return exporters{}, fmt.Errorf("unknown telemetry exporter %q", opts.Exporter)
	}
}

func otlpExporters(ctx context.Context, opts Options) (exporters, error) {
	if strings.TrimSpace(opts.OTLPEndpoint) == "" {
		return exporters{}, fmt.Errorf("telemetry exporter %q needs an endpoint", ExporterOTLP)
	}
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(opts.OTLPEndpoint)}
	if opts.OTLPTimeout > 0 {
		traceOpts = append(traceOpts, otlptracegrpc.WithTimeout(opts.OTLPTimeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(opts.OTLPTimeout))
	}
	if opts.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return exporters{}, fmt.Errorf("otlp span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return exporters{}, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}
