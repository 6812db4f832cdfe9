// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs capabilities whose providers need no session. Every call
// opens and releases its own resources; nothing survives between calls.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	kerrors "github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/manifest"
)

// DefaultTimeout bounds a call when neither metadata nor options set one.
const DefaultTimeout = 30 * time.Second

// Executor runs a capability against its provider.
type Executor interface {
	Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error) {
	return f(ctx, m, args)
}

// Set maps provider kinds to executors.
type Set struct {
	mu        sync.RWMutex
	executors map[manifest.ProviderKind]Executor
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{executors: make(map[manifest.ProviderKind]Executor)}
}

// Register binds kind to e, replacing any previous binding.
func (s *Set) Register(kind manifest.ProviderKind, e Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = e
}

// Get returns the executor bound to kind.
func (s *Set) Get(kind manifest.ProviderKind) (Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executors[kind]
	return e, ok
}

// Kinds returns the bound kinds.
func (s *Set) Kinds() []manifest.ProviderKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]manifest.ProviderKind, 0, len(s.executors))
	for k := range s.executors {
		out = append(out, k)
	}
	return out
}

// options shared by every executor.
type options struct {
	timeout time.Duration
	logger  *slog.Logger
	lookup  func(string) (string, bool)
}

// Option configures an executor.
type Option func(*options)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEnvLookup replaces os.LookupEnv for credential resolution.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *options) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		lookup:  os.LookupEnv,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// callTimeout returns <prefix>_timeout_ms from metadata or the default.
func (o options) callTimeout(m manifest.Manifest, prefix string) time.Duration {
	raw := strings.TrimSpace(m.MetaOr(prefix+"_timeout_ms", ""))
	if raw == "" {
		return o.timeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return o.timeout
	}
	return time.Duration(ms) * time.Millisecond
}

// credential reads the env var named by metadata key. An undeclared key yields
// "" and no error; a declared but unset variable is CodeAuthMissing.
func (o options) credential(m manifest.Manifest, key string) (string, error) {
	name := strings.TrimSpace(m.MetaOr(key, ""))
	if name == "" {
		return "", nil
	}
	value, ok := o.lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", kerrors.Newf(kerrors.CodeAuthMissing, "environment variable %s is not set", name).
			WithContext("capability_id", m.ID).
			WithContext("env_var", name)
	}
	return strings.TrimSpace(value), nil
}

// bearer formats token as an Authorization header value.
func bearer(token string) string {
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}

// transportError wraps a network failure. Deadline overruns are recoverable.
func transportError(m manifest.Manifest, op string, err error) error {
	e := kerrors.New(kerrors.CodeTransport, op+" failed", err).
		WithContext("capability_id", m.ID)
	if errors.Is(err, context.DeadlineExceeded) {
		e = e.WithRecoverable(true)
	}
	return e
}

func protocolError(m manifest.Manifest, msg string, err error) error {
	return kerrors.New(kerrors.CodeProtocol, msg, err).
		WithContext("capability_id", m.ID)
}
