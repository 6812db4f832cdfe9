// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package marketplace is the single entry point for registering and executing
// capabilities. It routes each call either to a stateless executor chosen by the
// manifest's kind or to the session manager.
package marketplace

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/capcore/pkg/audit"
	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/executor"
	"github.com/jllopis/capcore/pkg/manifest"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// Marketplace owns the manifest registry, the stateless executors and the
// session manager.
type Marketplace struct {
	registry  *manifest.Registry
	executors *executor.Set
	sessions  *session.Manager
	audit     audit.Store
	logger    *slog.Logger
	metrics   *telemetry.ExecutionMetrics
	tracer    trace.Tracer
	closers   []io.Closer
}

// Option configures a Marketplace.
type Option func(*Marketplace)

// WithRegistry uses an existing registry.
func WithRegistry(r *manifest.Registry) Option {
	return func(m *Marketplace) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithSessionManager uses an existing session manager.
func WithSessionManager(s *session.Manager) Option {
	return func(m *Marketplace) {
		if s != nil {
			m.sessions = s
		}
	}
}

// WithExecutors uses an existing executor set.
func WithExecutors(s *executor.Set) Option {
	return func(m *Marketplace) {
		if s != nil {
			m.executors = s
		}
	}
}

// WithAuditStore records one audit event per execution.
func WithAuditStore(s audit.Store) Option {
	return func(m *Marketplace) { m.audit = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Marketplace) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records execution metrics.
func WithMetrics(metrics *telemetry.ExecutionMetrics) Option {
	return func(m *Marketplace) { m.metrics = metrics }
}

// WithTracer overrides the tracer used for execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Marketplace) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// New creates a marketplace. Without options it has an empty registry, no
// executors and a session manager without handlers.
func New(opts ...Option) *Marketplace {
	m := &Marketplace{
		logger: slog.Default(),
		tracer: otel.Tracer("capcore/marketplace"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.registry == nil {
		m.registry = manifest.NewRegistry()
	}
	if m.executors == nil {
		m.executors = executor.NewSet()
	}
	if m.sessions == nil {
		m.sessions = session.NewManager(session.WithLogger(m.logger), session.WithMetrics(m.metrics))
	}
	return m
}

// RegisterManifest adds a capability. Duplicate ids are rejected.
func (m *Marketplace) RegisterManifest(man manifest.Manifest) error {
	if err := m.registry.Register(man); err != nil {
		return err
	}
	m.logger.Debug("capability registered", "capability_id", man.ID, "kind", string(man.Kind))
	return nil
}

// ReplaceManifest swaps the manifest of an already registered capability.
func (m *Marketplace) ReplaceManifest(man manifest.Manifest) error {
	return m.registry.Replace(man)
}

// Deregister removes a capability. Live sessions stay with their handler.
func (m *Marketplace) Deregister(id string) error {
	return m.registry.Deregister(id)
}

// Lookup returns a copy of the manifest registered under id.
func (m *Marketplace) Lookup(id string) (manifest.Manifest, bool) {
	return m.registry.Lookup(id)
}

// List returns every registered manifest sorted by id.
func (m *Marketplace) List() []manifest.Manifest {
	return m.registry.List()
}

// RegisterHandler makes h the session handler for family.
func (m *Marketplace) RegisterHandler(family string, h session.Handler) {
	m.sessions.RegisterHandler(family, h)
}

// RegisterExecutor makes e the executor for kind.
func (m *Marketplace) RegisterExecutor(kind manifest.ProviderKind, e executor.Executor) {
	m.executors.Register(kind, e)
}

// RegisterLocalFunc binds fn to a local capability id, creating the local
// executor on first use.
func (m *Marketplace) RegisterLocalFunc(id string, fn executor.LocalFunc) {
	e, ok := m.executors.Get(manifest.KindLocal)
	local, isLocal := e.(*executor.LocalExecutor)
	if !ok || !isLocal {
		local = executor.NewLocalExecutor(executor.WithLogger(m.logger))
		m.executors.Register(manifest.KindLocal, local)
	}
	local.RegisterFunc(id, fn)
}

// Sessions returns the session manager.
func (m *Marketplace) Sessions() *session.Manager {
	return m.sessions
}

// AuditStore returns the configured audit store, or nil.
func (m *Marketplace) AuditStore() audit.Store {
	return m.audit
}

// routesToSession reports whether man must go through the session manager.
func routesToSession(man manifest.Manifest) bool {
	return man.Kind == manifest.KindDelegated || session.RequiresSession(man.Metadata)
}

// Execute runs the capability registered under id. Results and errors from the
// executor or session handler are returned unchanged.
func (m *Marketplace) Execute(ctx context.Context, id string, args map[string]any) (any, error) {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "capcore.execute",
		trace.WithAttributes(attribute.String(telemetry.AttrCapabilityID, id)))
	defer span.End()

	man, ok := m.registry.Lookup(id)
	if !ok {
		err := errors.Newf(errors.CodeCapabilityNotFound, "capability %q is not registered", id).
			WithContext("capability_id", id)
		m.finish(ctx, span, audit.Event{CapabilityID: id, StartedAt: started}, "", err)
		return nil, err
	}

	route := telemetry.RouteStateless
	provider := string(man.Kind)
	if routesToSession(man) {
		route = telemetry.RouteSession
		if family, err := m.sessions.Detect(man.Metadata); err == nil {
			provider = family
		}
	}
	span.SetAttributes(telemetry.ExecutionAttributes(id, string(man.Kind), route)...)

	var (
		result any
		err    error
	)
	if route == telemetry.RouteSession {
		result, err = m.sessions.ExecuteWithSession(ctx, id, man.Metadata, args)
	} else {
		result, err = m.executeStateless(ctx, man, args)
	}

	m.finish(ctx, span, audit.Event{
		CapabilityID: id,
		Route:        route,
		Provider:     provider,
		StartedAt:    started,
	}, string(man.Kind), err)
	return result, err
}

func (m *Marketplace) executeStateless(ctx context.Context, man manifest.Manifest, args map[string]any) (any, error) {
	exec, ok := m.executors.Get(man.Kind)
	if !ok {
		return nil, errors.Newf(errors.CodeNoHandlerForProvider, "no executor for provider kind %q", man.Kind).
			WithContext("capability_id", man.ID).
			WithContext("kind", string(man.Kind))
	}
	return exec.Execute(ctx, man, args)
}

// finish closes the span and records metrics and the audit event for one call.
func (m *Marketplace) finish(ctx context.Context, span trace.Span, ev audit.Event, kind string, err error) {
	ev.FinishedAt = time.Now()
	durationMs := float64(ev.FinishedAt.Sub(ev.StartedAt).Microseconds()) / 1000

	code := ""
	ev.Status = audit.StatusOK
	if err != nil {
		code = string(errors.AsError(err).Code)
		ev.Status = audit.StatusError
		ev.ErrorCode = code
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		m.logger.WarnContext(ctx, "capability execution failed",
			"capability_id", ev.CapabilityID, "kind", kind, "route", ev.Route,
			"error_code", code, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
		m.logger.DebugContext(ctx, "capability executed",
			"capability_id", ev.CapabilityID, "kind", kind, "route", ev.Route,
			"duration_ms", durationMs)
	}
	span.SetAttributes(telemetry.OutcomeAttributes(durationMs, code)...)
	if ev.Route != "" {
		m.metrics.RecordExecution(ctx, ev.Route, kind, durationMs, err)
	} else {
		m.metrics.RecordError(ctx, err, "marketplace")
	}

	if m.audit == nil {
		return
	}
	ev.ID = uuid.NewString()
	if aerr := m.audit.Record(context.WithoutCancel(ctx), ev); aerr != nil {
		m.logger.WarnContext(ctx, "audit record failed",
			"capability_id", ev.CapabilityID, "error", aerr)
	}
}

// Close terminates live sessions and releases resources opened by NewDefault.
func (m *Marketplace) Close(ctx context.Context) error {
	errs := []error{m.sessions.Close(ctx)}
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return stderrors.Join(errs...)
}
