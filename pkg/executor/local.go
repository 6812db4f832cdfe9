// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"sort"
	"sync"

	kerrors "github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/manifest"
	"github.com/jllopis/capcore/pkg/resilience"
)

// LocalFunc is an in-process capability implementation.
type LocalFunc func(ctx context.Context, args map[string]any) (any, error)

// LocalExecutor runs in-process functions registered by capability id.
type LocalExecutor struct {
	mu    sync.RWMutex
	funcs map[string]LocalFunc
	opts  options
}

// NewLocalExecutor creates an empty local executor.
func NewLocalExecutor(opts ...Option) *LocalExecutor {
	return &LocalExecutor{funcs: make(map[string]LocalFunc), opts: newOptions(opts)}
}

// RegisterFunc binds fn to a capability id, replacing any previous binding.
func (e *LocalExecutor) RegisterFunc(id string, fn LocalFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[id] = fn
}

// IDs returns the registered capability ids, sorted.
func (e *LocalExecutor) IDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.funcs))
	for id := range e.funcs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error) {
	e.mu.RLock()
	fn, ok := e.funcs[m.ID]
	e.mu.RUnlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.CodeCapabilityNotFound, "no local function for capability %q", m.ID).
			WithContext("capability_id", m.ID)
	}
	cfg := resilience.TimeoutConfig{Duration: e.opts.callTimeout(m, "local")}
	return resilience.WithTimeoutResult(ctx, cfg, func(ctx context.Context) (any, error) {
		return fn(ctx, args)
	})
}
