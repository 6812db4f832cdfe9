// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/capcore/pkg/errors"
)

// Outcome values recorded on capcore.executions.total.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ExecutionMetrics records execution counts, latencies, errors, and session churn.
// A nil *ExecutionMetrics is valid and records nothing.
type ExecutionMetrics struct {
	executions         metric.Int64Counter
	errorCounter       metric.Int64Counter
	sessionInitialized metric.Int64Counter
	sessionExpired     metric.Int64Counter
	duration           metric.Float64Histogram
}

// NewExecutionMetrics creates the execution instruments on the global meter provider.
func NewExecutionMetrics() (*ExecutionMetrics, error) {
	return NewExecutionMetricsWithMeter(otel.Meter("capcore/execution"))
}

// NewExecutionMetricsWithMeter creates the execution instruments on meter.
func NewExecutionMetricsWithMeter(meter metric.Meter) (*ExecutionMetrics, error) {
	executions, err := meter.Int64Counter(
		"capcore.executions.total",
		metric.WithDescription("Capability executions by route, kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"capcore.errors.total",
		metric.WithDescription("Execution errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	sessionInitialized, err := meter.Int64Counter(
		"capcore.sessions.initialized",
		metric.WithDescription("Provider sessions initialized by family"),
	)
	if err != nil {
		return nil, err
	}

	sessionExpired, err := meter.Int64Counter(
		"capcore.sessions.expired",
		metric.WithDescription("Provider sessions reported expired by family"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"capcore.execution.duration_ms",
		metric.WithDescription("Capability execution latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &ExecutionMetrics{
		executions:         executions,
		errorCounter:       errorCounter,
		sessionInitialized: sessionInitialized,
		sessionExpired:     sessionExpired,
		duration:           duration,
	}, nil
}

// RecordExecution records one finished execution. err may be nil.
func (m *ExecutionMetrics) RecordExecution(ctx context.Context, route, kind string, durationMs float64, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRoute, route),
		attribute.String(AttrCapabilityKind, kind),
		attribute.String(AttrOutcome, outcome),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, durationMs, attrs)
	if err != nil {
		m.RecordError(ctx, err, route)
	}
}

// RecordError increments the error counter for err's code and component.
func (m *ExecutionMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	code := "UNKNOWN"
	recoverable := "unknown"
	if e, ok := err.(*errors.Error); ok {
		code = string(e.Code)
		recoverable = e.RecoverableString()
	} else if c := errors.CodeOf(err); c != "" {
		code = string(c)
	}
	m.errorCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrErrorCode, code),
			attribute.String(AttrComponent, component),
			attribute.String("recoverable", recoverable),
		),
	)
}

// RecordSessionInitialized counts a successful session initialization.
func (m *ExecutionMetrics) RecordSessionInitialized(ctx context.Context, family string) {
	if m == nil {
		return
	}
	m.sessionInitialized.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrFamily, family)))
}

// RecordSessionExpired counts a session the provider reported as expired.
func (m *ExecutionMetrics) RecordSessionExpired(ctx context.Context, family string) {
	if m == nil {
		return
	}
	m.sessionExpired.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrFamily, family)))
}
