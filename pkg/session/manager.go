// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// DefaultFamilies are recognized by detection even before a handler registers.
var DefaultFamilies = []string{"mcp", "graphql", "grpc"}

// Manager detects the provider family of a capability from its metadata and
// delegates the call to that family's Handler.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	known    map[string]struct{}
	logger   *slog.Logger
	metrics  *telemetry.ExecutionMetrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithKnownFamilies adds families recognized by detection.
func WithKnownFamilies(families ...string) ManagerOption {
	return func(m *Manager) {
		for _, f := range families {
			if f = strings.TrimSpace(f); f != "" {
				m.known[f] = struct{}{}
			}
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records session expiries.
func WithMetrics(metrics *telemetry.ExecutionMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager with no handlers.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		handlers: make(map[string]Handler),
		known:    make(map[string]struct{}),
		logger:   slog.Default(),
	}
	for _, f := range DefaultFamilies {
		m.known[f] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RegisterHandler binds family to h. The family becomes detectable immediately.
func (m *Manager) RegisterHandler(family string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[family] = h
	m.known[family] = struct{}{}
}

// Handler returns the handler registered for family.
func (m *Manager) Handler(family string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[family]
	return h, ok
}

// Families returns the known families, sorted.
func (m *Manager) Families() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.known))
	for f := range m.known {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Detect returns the family owning metadata. Among keys of the form
// <family>_..., the lexicographically smallest key decides; if that key matches
// several families the longest family name wins.
func (m *Manager) Detect(metadata map[string]string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bestKey, bestFamily string
	for key := range metadata {
		for family := range m.known {
			if !strings.HasPrefix(key, family+"_") {
				continue
			}
			switch {
			case bestFamily == "", key < bestKey:
				bestKey, bestFamily = key, family
			case key == bestKey && len(family) > len(bestFamily):
				bestFamily = family
			}
		}
	}
	if bestFamily == "" {
		return "", errors.New(errors.CodeProviderUndetectable, "no known provider family in metadata", nil)
	}
	return bestFamily, nil
}

// ExecuteWithSession runs a stateful capability. A session reported expired is
// recreated and the call retried exactly once; the retry's outcome is returned
// as is.
func (m *Manager) ExecuteWithSession(ctx context.Context, capabilityID string, metadata map[string]string, args map[string]any) (any, error) {
	family, err := m.Detect(metadata)
	if err != nil {
		return nil, errors.AsError(err).WithContext("capability_id", capabilityID)
	}
	h, ok := m.Handler(family)
	if !ok {
		return nil, errors.Newf(errors.CodeNoHandlerForProvider, "no session handler for family %q", family).
			WithContext("capability_id", capabilityID).
			WithContext("family", family)
	}

	id, err := h.GetOrCreateSession(ctx, capabilityID, metadata)
	if err != nil {
		return nil, err
	}
	result, err := h.ExecuteWithSession(ctx, id, capabilityID, args)
	if err == nil || !stderrors.Is(err, errors.ErrSessionExpired) {
		return result, err
	}

	m.logger.InfoContext(ctx, "session expired, reinitializing",
		"capability_id", capabilityID, "family", family, "session_id", string(id))
	m.metrics.RecordSessionExpired(ctx, family)

	id, err = h.GetOrCreateSession(ctx, capabilityID, metadata)
	if err != nil {
		return nil, err
	}
	return h.ExecuteWithSession(ctx, id, capabilityID, args)
}

// Close releases every session held by handlers that implement Closer.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	families := make([]string, 0, len(m.handlers))
	for f := range m.handlers {
		families = append(families, f)
	}
	m.mu.RUnlock()
	sort.Strings(families)

	var errs []error
	for _, f := range families {
		h, _ := m.Handler(f)
		c, ok := h.(Closer)
		if !ok {
			continue
		}
		if err := c.CloseAll(ctx); err != nil {
			m.logger.WarnContext(ctx, "session handler close failed", "family", f, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
