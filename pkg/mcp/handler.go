// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the session handler for Model Context Protocol servers
// reached over streamable HTTP.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// Family is the metadata prefix this handler serves.
const Family = "mcp"

const defaultTimeout = 30 * time.Second

// record is the handler's private view of one live session. The token stays in
// memory and is never logged.
type record struct {
	id              session.ID
	key             session.Key
	serverURL       string
	authToken       string
	protocolVersion string
	toolName        string
	timeout         time.Duration
	createdAt       time.Time
}

// Handler keeps one MCP session per (capability, server URL) and runs tool calls
// through it.
type Handler struct {
	client          *http.Client
	pool            *session.Pool[*record]
	poolOpts        []session.PoolOption
	timeout         time.Duration
	protocolVersion string
	clientInfo      mcpgo.Implementation
	lookupEnv       func(string) (string, bool)
	logger          *slog.Logger
	metrics         *telemetry.ExecutionMetrics

	initialized atomic.Int64
	expired     atomic.Int64
	terminated  atomic.Int64
	executions  atomic.Int64
	failures    atomic.Int64
}

// Option configures the handler.
type Option func(*Handler)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		if client != nil {
			h.client = client
		}
	}
}

// WithTimeout sets the default per-request timeout. mcp_timeout_ms metadata
// overrides it per capability.
func WithTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithProtocolVersion sets the protocol version offered on initialize.
func WithProtocolVersion(version string) Option {
	return func(h *Handler) {
		if version != "" {
			h.protocolVersion = version
		}
	}
}

// WithClientInfo sets the client implementation announced on initialize.
func WithClientInfo(name, version string) Option {
	return func(h *Handler) {
		if name != "" {
			h.clientInfo.Name = name
		}
		if version != "" {
			h.clientInfo.Version = version
		}
	}
}

// WithEnvLookup replaces os.LookupEnv for credential and URL overrides.
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

// WithPoolOptions configures the session slot arena, e.g. an expiry policy.
func WithPoolOptions(opts ...session.PoolOption) Option {
	return func(h *Handler) { h.poolOpts = append(h.poolOpts, opts...) }
}

// New creates an MCP session handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		client:          http.DefaultClient,
		timeout:         defaultTimeout,
		protocolVersion: mcpgo.LATEST_PROTOCOL_VERSION,
		clientInfo:      mcpgo.Implementation{Name: "capcore", Version: "0.1.0"},
		lookupEnv:       os.LookupEnv,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.pool = session.NewPool(func(r *record) session.ID { return r.id }, h.poolOpts...)
	h.pool.OnDiscard(func(r *record) { h.terminate(context.Background(), r) })
	return h
}

// InitializeSession always opens a new session and makes it the one used for
// the capability. A session it replaces is terminated.
func (h *Handler) InitializeSession(ctx context.Context, capabilityID string, metadata map[string]string) (session.ID, error) {
	tgt, err := h.resolve(capabilityID, metadata)
	if err != nil {
		return "", err
	}
	key := session.Key{CapabilityID: capabilityID, ServerURL: tgt.serverURL}
	rec, err := h.open(ctx, key, tgt, metadata)
	if err != nil {
		return "", err
	}
	if prev, replaced := h.pool.Store(key, rec); replaced {
		h.terminate(ctx, prev)
	}
	return rec.id, nil
}

// GetOrCreateSession returns the live session for the capability, initializing
// it at most once across concurrent callers.
func (h *Handler) GetOrCreateSession(ctx context.Context, capabilityID string, metadata map[string]string) (session.ID, error) {
	tgt, err := h.resolve(capabilityID, metadata)
	if err != nil {
		return "", err
	}
	key := session.Key{CapabilityID: capabilityID, ServerURL: tgt.serverURL}
	rec, _, err := h.pool.GetOrCreate(ctx, key, func(ctx context.Context) (*record, error) {
		return h.open(ctx, key, tgt, metadata)
	})
	if err != nil {
		return "", err
	}
	return rec.id, nil
}

// open reads the credential and runs the handshake. Calls served by an Active
// session never read the environment again.
func (h *Handler) open(ctx context.Context, key session.Key, tgt target, metadata map[string]string) (*record, error) {
	token, err := h.authToken(key.CapabilityID, metadata)
	if err != nil {
		return nil, err
	}
	tgt.token = token
	return h.initialize(ctx, key, tgt)
}

// ExecuteWithSession calls the capability's tool through session id. A session
// the server no longer knows yields errors.CodeSessionExpired and its slot is
// reset so the next GetOrCreateSession initializes again.
func (h *Handler) ExecuteWithSession(ctx context.Context, id session.ID, capabilityID string, args map[string]any) (any, error) {
	key, rec, ok := h.pool.Lookup(id)
	if !ok {
		return nil, errors.Newf(errors.CodeSessionExpired, "mcp session %s is not active", id).
			WithContext("capability_id", capabilityID)
	}
	h.executions.Add(1)
	result, err := h.callTool(ctx, rec, args)
	if err == nil {
		return result, nil
	}
	h.failures.Add(1)
	if errors.HasCode(err, errors.CodeSessionExpired) {
		h.expired.Add(1)
		h.pool.Reset(key, func(r *record) bool { return r == rec })
		h.logger.InfoContext(ctx, "mcp session expired",
			"capability_id", capabilityID, "session_id", string(id), "server_url", rec.serverURL)
	}
	return nil, err
}

// TerminateSession forgets the session and asks the server to end it. Failures
// of the remote call are logged, never returned.
func (h *Handler) TerminateSession(ctx context.Context, id session.ID) error {
	rec, ok := h.pool.Remove(id)
	if !ok {
		return nil
	}
	h.terminate(ctx, rec)
	return nil
}

// CloseAll terminates every live session.
func (h *Handler) CloseAll(ctx context.Context) error {
	for _, rec := range h.pool.Drain() {
		h.terminate(ctx, rec)
	}
	return nil
}

func (h *Handler) terminate(ctx context.Context, rec *record) {
	h.terminated.Add(1)
	if err := h.deleteSession(ctx, rec); err != nil {
		h.logger.DebugContext(ctx, "mcp session termination failed",
			"session_id", string(rec.id), "server_url", rec.serverURL, "error", err)
		return
	}
	h.logger.DebugContext(ctx, "mcp session terminated",
		"session_id", string(rec.id), "server_url", rec.serverURL)
}

// States returns the state of every session slot.
func (h *Handler) States() map[session.Key]session.State {
	return h.pool.States()
}

// Stats returns handler counters.
func (h *Handler) Stats() Stats {
	return Stats{
		ActiveSessions:      h.pool.Len(),
		SessionsInitialized: int(h.initialized.Load()),
		SessionsExpired:     int(h.expired.Load()),
		SessionsTerminated:  int(h.terminated.Load()),
		Executions:          int(h.executions.Load()),
		Failures:            int(h.failures.Load()),
	}
}

// Stats contains handler metrics.
type Stats struct {
	ActiveSessions      int
	SessionsInitialized int
	SessionsExpired     int
	SessionsTerminated  int
	Executions          int
	Failures            int
}
