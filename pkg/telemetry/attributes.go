// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, tracing, and metrics for capability execution.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys. They follow OpenTelemetry naming conventions.
const (
	AttrCapabilityID   = "capcore.capability.id"
	AttrCapabilityKind = "capcore.capability.kind"
	AttrRoute          = "capcore.route" // "stateless" or "session"
	AttrFamily         = "capcore.session.family"
	AttrSessionID      = "capcore.session.id"
	AttrServerURL      = "capcore.session.server_url"
	AttrDurationMs     = "capcore.duration_ms"
	AttrSuccess        = "capcore.success"
	AttrErrorCode      = "error.code"
	AttrComponent      = "component"
	AttrOutcome        = "outcome"
)

// Route values.
const (
	RouteStateless = "stateless"
	RouteSession   = "session"
)

// ExecutionAttributes returns common attributes for an execution span.
func ExecutionAttributes(capabilityID, kind, route string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCapabilityID, capabilityID),
	}
	if kind != "" {
		attrs = append(attrs, attribute.String(AttrCapabilityKind, kind))
	}
	if route != "" {
		attrs = append(attrs, attribute.String(AttrRoute, route))
	}
	return attrs
}

// SessionAttributes returns attributes describing a provider session.
// Credentials never appear here.
func SessionAttributes(family, sessionID, serverURL string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if family != "" {
		attrs = append(attrs, attribute.String(AttrFamily, family))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	if serverURL != "" {
		attrs = append(attrs, attribute.String(AttrServerURL, serverURL))
	}
	return attrs
}

// OutcomeAttributes returns attributes for the end of an execution.
func OutcomeAttributes(durationMs float64, errorCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Float64(AttrDurationMs, durationMs),
		attribute.Bool(AttrSuccess, errorCode == ""),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, errorCode))
	}
	return attrs
}
