// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package grpcsession implements a session handler for gRPC services discovered
// through server reflection. A session is a live client connection plus the
// resolved method descriptors.
//
// gRPC has no provider-issued session, so session ids are UUIDs minted by the
// handler. They only name a slot in the handler's pool and never leave the process.
package grpcsession

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// Family is the metadata prefix this handler serves.
const Family = "grpc"

// Metadata keys read by the handler.
const (
	MetaTarget     = "grpc_target"
	MetaServerURL  = "grpc_server_url"
	MetaMethod     = "grpc_method"
	MetaAuthEnvVar = "grpc_auth_env_var"
	MetaTLS        = "grpc_tls"
	MetaTimeoutMs  = "grpc_timeout_ms"
)

const defaultTimeout = 30 * time.Second

type record struct {
	id       session.ID
	key      session.Key
	target   string
	service  string
	method   string
	token    string
	tls      bool
	timeout  time.Duration
	conn     *grpc.ClientConn
	input    protoreflect.MessageDescriptor
	output   protoreflect.MessageDescriptor
	fullName string
}

// Handler holds one reflected connection per (capability, target).
type Handler struct {
	pool      *session.Pool[*record]
	poolOpts  []session.PoolOption
	dialOpts  []grpc.DialOption
	timeout   time.Duration
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
	metrics   *telemetry.ExecutionMetrics
}

// Option configures the handler.
type Option func(*Handler)

// WithDialOptions appends dial options used for every session.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(h *Handler) { h.dialOpts = append(h.dialOpts, opts...) }
}

// WithTimeout sets the default per-call timeout.
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

// New creates a gRPC reflection session handler.
func New(opts ...Option) *Handler {
	h := &Handler{
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
	h.pool.OnDiscard(h.close)
	return h
}

// InitializeSession dials, reflects and replaces the capability's session. A
// replaced connection is closed.
func (h *Handler) InitializeSession(ctx context.Context, capabilityID string, metadata map[string]string) (session.ID, error) {
	rec, err := h.prepare(capabilityID, metadata)
	if err != nil {
		return "", err
	}
	if err := h.open(ctx, rec, metadata); err != nil {
		return "", err
	}
	if prev, replaced := h.pool.Store(rec.key, rec); replaced {
		h.close(prev)
	}
	return rec.id, nil
}

// GetOrCreateSession returns the live connection for the capability, dialing
// and reflecting at most once across concurrent callers.
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

// ExecuteWithSession invokes the resolved method. A method the server stopped
// serving reports errors.CodeSessionExpired so the next call reflects again.
func (h *Handler) ExecuteWithSession(ctx context.Context, id session.ID, capabilityID string, args map[string]any) (any, error) {
	key, rec, ok := h.pool.Lookup(id)
	if !ok {
		return nil, errors.Newf(errors.CodeSessionExpired, "grpc session %s is not active", id).
			WithContext("capability_id", capabilityID)
	}
	result, err := h.invoke(ctx, rec, args)
	if errors.HasCode(err, errors.CodeSessionExpired) {
		if h.pool.Reset(key, func(r *record) bool { return r == rec }) {
			h.close(rec)
		}
		h.logger.InfoContext(ctx, "grpc method no longer served",
			"capability_id", capabilityID, "session_id", string(id), "server_url", rec.target)
	}
	return result, err
}

// TerminateSession closes the session's connection.
func (h *Handler) TerminateSession(_ context.Context, id session.ID) error {
	if rec, ok := h.pool.Remove(id); ok {
		h.close(rec)
	}
	return nil
}

// CloseAll closes every live connection.
func (h *Handler) CloseAll(context.Context) error {
	for _, rec := range h.pool.Drain() {
		h.close(rec)
	}
	return nil
}

// States returns the state of every session slot.
func (h *Handler) States() map[session.Key]session.State {
	return h.pool.States()
}

func (h *Handler) close(rec *record) {
	if rec == nil || rec.conn == nil {
		return
	}
	if err := rec.conn.Close(); err != nil {
		h.logger.Debug("grpc session close failed", "session_id", string(rec.id), "error", err)
	}
}

// prepare derives the session key and call settings from metadata without
// I/O or environment reads.
func (h *Handler) prepare(capabilityID string, metadata map[string]string) (*record, error) {
	target := strings.TrimSpace(metadata[MetaTarget])
	if target == "" {
		target = strings.TrimSpace(metadata[MetaServerURL])
	}
	if target == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "capability %q has no %s", capabilityID, MetaTarget).
			WithContext("capability_id", capabilityID)
	}
	service, method, err := splitMethod(metadata[MetaMethod])
	if err != nil {
		return nil, err.WithContext("capability_id", capabilityID)
	}
	timeout := h.timeout
	if ms, err := strconv.Atoi(strings.TrimSpace(metadata[MetaTimeoutMs])); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &record{
		key:      session.Key{CapabilityID: capabilityID, ServerURL: target},
		target:   target,
		service:  service,
		method:   method,
		tls:      strings.EqualFold(strings.TrimSpace(metadata[MetaTLS]), "true"),
		timeout:  timeout,
		fullName: "/" + service + "/" + method,
	}, nil
}

// splitMethod accepts "pkg.Service/Method" with an optional leading slash.
func splitMethod(raw string) (string, string, *errors.Error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "/")
	service, method, ok := strings.Cut(raw, "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return "", "", errors.Newf(errors.CodeInvalidInput, "method %q is not <package.Service>/<Method>", raw)
	}
	return service, method, nil
}

// open reads the credential, mints the session id, dials and reflects. It runs
// only when a session is initialized.
func (h *Handler) open(ctx context.Context, rec *record, metadata map[string]string) error {
	if name := strings.TrimSpace(metadata[MetaAuthEnvVar]); name != "" {
		v, ok := h.lookupEnv(name)
		if !ok || strings.TrimSpace(v) == "" {
			return errors.Newf(errors.CodeAuthMissing, "environment variable %s is not set", name).
				WithContext("capability_id", rec.key.CapabilityID).
				WithContext("env_var", name)
		}
		rec.token = strings.TrimSpace(v)
	}
	rec.id = session.ID(uuid.NewString())

	creds := insecure.NewCredentials()
	if rec.tls {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, h.dialOpts...)
	conn, err := grpc.NewClient(rec.target, opts...)
	if err != nil {
		return errors.New(errors.CodeTransport, "grpc dial", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	rec.conn = conn

	ctx, cancel := context.WithTimeout(ctx, rec.timeout)
	defer cancel()
	if err := h.resolve(ctx, rec); err != nil {
		_ = conn.Close()
		rec.conn = nil
		return err
	}
	h.metrics.RecordSessionInitialized(ctx, Family)
	h.logger.InfoContext(ctx, "grpc session initialized",
		"capability_id", rec.key.CapabilityID, "server_url", rec.target,
		"session_id", string(rec.id), "method", rec.fullName)
	return nil
}
