// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package graphql implements a session handler for GraphQL endpoints. A session
// is the endpoint's introspected root schema; calls are resolved against it.
//
// GraphQL has no server-side session, so session ids are UUIDs minted by the
// handler. They only name a slot in the handler's pool and never leave the process.
package graphql

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// Family is the metadata prefix this handler serves.
const Family = "graphql"

// Metadata keys read by the handler.
const (
	MetaEndpoint   = "graphql_endpoint"
	MetaServerURL  = "graphql_server_url"
	MetaAuthEnvVar = "graphql_auth_env_var"
	MetaOperation  = "graphql_operation"
	MetaQuery      = "graphql_query"
	MetaSelection  = "graphql_selection"
	MetaTimeoutMs  = "graphql_timeout_ms"
)

const defaultTimeout = 30 * time.Second

// record is one introspected endpoint.
type record struct {
	id        session.ID
	key       session.Key
	endpoint  string
	token     string
	timeout   time.Duration
	operation operation
	rootTypes map[string]string // field name -> "query" | "mutation"
}

// operation is what the capability runs: an explicit document, or a root
// field resolved against the schema.
type operation struct {
	field     string
	query     string
	selection string
}

// Handler keeps one introspected schema per (capability, endpoint).
type Handler struct {
	client    *http.Client
	pool      *session.Pool[*record]
	poolOpts  []session.PoolOption
	timeout   time.Duration
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
	metrics   *telemetry.ExecutionMetrics
}

// Option configures the handler.
type Option func(*Handler)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		if client != nil {
			h.client = client
		}
	}
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithEnvLookup replaces os.LookupEnv for credentials.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(h *Handler) {
		if lookup != nil {
			h.lookupEnv = lookup
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records session churn.
func WithMetrics(metrics *telemetry.ExecutionMetrics) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// WithPoolOptions configures the session slot arena.
func WithPoolOptions(opts ...session.PoolOption) Option {
	return func(h *Handler) { h.poolOpts = append(h.poolOpts, opts...) }
}

// New creates a GraphQL session handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		client:    http.DefaultClient,
		timeout:   defaultTimeout,
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.pool = session.NewPool(func(r *record) session.ID { return r.id }, h.poolOpts...)
	return h
}

// InitializeSession introspects the endpoint and makes the result the session
// used for the capability.
func (h *Handler) InitializeSession(ctx context.Context, capabilityID string, metadata map[string]string) (session.ID, error) {
	rec, err := h.prepare(capabilityID, metadata)
	if err != nil {
		return "", err
	}
	if err := h.open(ctx, rec, metadata); err != nil {
		return "", err
	}
	h.pool.Store(rec.key, rec)
	return rec.id, nil
}

// GetOrCreateSession returns the cached schema session, introspecting at most
// once across concurrent callers.
func (h *Handler) GetOrCreateSession(ctx context.Context, capabilityID string, metadata map[string]string) (session.ID, error) {
	rec, err := h.prepare(capabilityID, metadata)
	if err != nil {
		return "", err
	}
	got, _, err := h.pool.GetOrCreate(ctx, rec.key, func(ctx context.Context) (*record, error) {
		return rec, h.open(ctx, rec, metadata)
	})
	if err != nil {
		return "", err
	}
	return got.id, nil
}

// ExecuteWithSession runs the capability's operation. metadata comes from the
// capability at session creation; only args vary per call.
func (h *Handler) ExecuteWithSession(ctx context.Context, id session.ID, capabilityID string, args map[string]any) (any, error) {
	key, rec, ok := h.pool.Lookup(id)
	if !ok {
		return nil, errors.Newf(errors.CodeSessionExpired, "graphql session %s is not active", id).
			WithContext("capability_id", capabilityID)
	}
	result, err := h.execute(ctx, rec, args)
	if errors.HasCode(err, errors.CodeSessionExpired) {
		h.pool.Reset(key, func(r *record) bool { return r == rec })
		h.logger.InfoContext(ctx, "graphql schema is stale",
			"capability_id", capabilityID, "session_id", string(id), "server_url", rec.endpoint)
	}
	return result, err
}

// TerminateSession forgets the cached schema.
func (h *Handler) TerminateSession(_ context.Context, id session.ID) error {
	h.pool.Remove(id)
	return nil
}

// CloseAll forgets every cached schema.
func (h *Handler) CloseAll(context.Context) error {
	h.pool.Drain()
	return nil
}

// States returns the state of every session slot.
func (h *Handler) States() map[session.Key]session.State {
	return h.pool.States()
}

// open reads the credential, mints the session id and introspects. It runs
// only when a session is initialized.
func (h *Handler) open(ctx context.Context, rec *record, metadata map[string]string) error {
	token, err := credential(h.lookupEnv, rec.key.CapabilityID, metadata)
	if err != nil {
		return err
	}
	rec.token = token
	rec.id = session.ID(uuid.NewString())
	return h.introspect(ctx, rec)
}

func credential(lookup func(string) (string, bool), capabilityID string, metadata map[string]string) (string, error) {
	name := strings.TrimSpace(metadata[MetaAuthEnvVar])
	if name == "" {
		return "", nil
	}
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", errors.Newf(errors.CodeAuthMissing, "environment variable %s is not set", name).
			WithContext("capability_id", capabilityID).
			WithContext("env_var", name)
	}
	return strings.TrimSpace(v), nil
}

// prepare derives the session key and call settings from metadata. It does no
// I/O and never reads the environment.
func (h *Handler) prepare(capabilityID string, metadata map[string]string) (*record, error) {
	endpoint := strings.TrimSpace(metadata[MetaEndpoint])
	if endpoint == "" {
		endpoint = strings.TrimSpace(metadata[MetaServerURL])
	}
	if endpoint == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "capability %q has no %s", capabilityID, MetaEndpoint).
			WithContext("capability_id", capabilityID)
	}
	timeout := h.timeout
	if ms, err := strconv.Atoi(strings.TrimSpace(metadata[MetaTimeoutMs])); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &record{
		key:      session.Key{CapabilityID: capabilityID, ServerURL: endpoint},
		endpoint: endpoint,
		timeout:  timeout,
		operation: operation{
			field:     operationField(capabilityID, metadata),
			query:     strings.TrimSpace(metadata[MetaQuery]),
			selection: strings.TrimSpace(metadata[MetaSelection]),
		},
	}, nil
}

func operationField(capabilityID string, metadata map[string]string) string {
	if name := strings.TrimSpace(metadata[MetaOperation]); name != "" {
		return name
	}
	if i := strings.LastIndex(capabilityID, "."); i >= 0 {
		return capabilityID[i+1:]
	}
	return capabilityID
}
