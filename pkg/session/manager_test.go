// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jllopis/capcore/pkg/errors"
)

// fakeHandler keeps one session per capability and can be told to expire it.
type fakeHandler struct {
	mu          sync.Mutex
	pool        *Pool[ID]
	inits       int
	executes    int
	terminated  []ID
	expireNext  int
	closed      bool
	executeErr  error
	lastSession ID
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{pool: NewPool(func(id ID) ID { return id })}
}

func (f *fakeHandler) InitializeSession(_ context.Context, capabilityID string, _ map[string]string) (ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return ID(fmt.Sprintf("%s-%d", capabilityID, f.inits)), nil
}

func (f *fakeHandler) GetOrCreateSession(ctx context.Context, capabilityID string, metadata map[string]string) (ID, error) {
	id, _, err := f.pool.GetOrCreate(ctx, Key{CapabilityID: capabilityID}, func(ctx context.Context) (ID, error) {
		return f.InitializeSession(ctx, capabilityID, metadata)
	})
	return id, err
}

func (f *fakeHandler) ExecuteWithSession(_ context.Context, id ID, capabilityID string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executes++
	f.lastSession = id
	if f.expireNext > 0 {
		f.expireNext--
		f.pool.Reset(Key{CapabilityID: capabilityID}, func(r ID) bool { return r == id })
		return nil, errors.New(errors.CodeSessionExpired, "session gone", nil)
	}
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return map[string]any{"session": string(id), "args": args}, nil
}

func (f *fakeHandler) TerminateSession(_ context.Context, id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	f.pool.Remove(id)
	return nil
}

func (f *fakeHandler) CloseAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.pool.Drain()
	return nil
}

func TestRequiresSession(t *testing.T) {
	tests := []struct {
		meta map[string]string
		want bool
	}{
		{map[string]string{"mcp_requires_session": "true"}, true},
		{map[string]string{"mcp_requires_session": "auto"}, true},
		{map[string]string{"graphql_requires_session": " AUTO "}, true},
		{map[string]string{"mcp_requires_session": "false"}, false},
		{map[string]string{"mcp_server_url": "http://x"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := RequiresSession(tt.meta); got != tt.want {
			t.Errorf("RequiresSession(%v) = %v, want %v", tt.meta, got, tt.want)
		}
	}
}

func TestDetect(t *testing.T) {
	m := NewManager()
	tests := []struct {
		name string
		meta map[string]string
		want string
		err  error
	}{
		{"mcp", map[string]string{"mcp_server_url": "x", "mcp_requires_session": "auto"}, "mcp", nil},
		{"graphql", map[string]string{"graphql_endpoint": "x"}, "graphql", nil},
		{"smallest key wins", map[string]string{"mcp_server_url": "x", "graphql_endpoint": "y"}, "graphql", nil},
		{"no family", map[string]string{"http_base_url": "x"}, "", errors.ErrProviderUndetectable},
		{"prefix needs separator", map[string]string{"mcpserver": "x"}, "", errors.ErrProviderUndetectable},
		{"empty", nil, "", errors.ErrProviderUndetectable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Detect(tt.meta)
			if tt.err != nil {
				if !stderrors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Detect = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestDetectDeterministic(t *testing.T) {
	m := NewManager()
	meta := map[string]string{
		"mcp_server_url":       "x",
		"grpc_target":          "y",
		"graphql_endpoint":     "z",
		"mcp_requires_session": "auto",
	}
	first, err := m.Detect(meta)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	for i := 0; i < 100; i++ {
		if got, _ := m.Detect(meta); got != first {
			t.Fatalf("non-deterministic detection: %q then %q", first, got)
		}
	}
}

func TestDetectLongestFamilyOnSameKey(t *testing.T) {
	m := NewManager(WithKnownFamilies("grpc_web"))
	got, err := m.Detect(map[string]string{"grpc_web_endpoint": "x"})
	if err != nil || got != "grpc_web" {
		t.Fatalf("expected grpc_web, got %q %v", got, err)
	}
}

func TestManagerReusesSession(t *testing.T) {
	m := NewManager()
	h := newFakeHandler()
	m.RegisterHandler("mcp", h)
	meta := map[string]string{"mcp_server_url": "http://x", "mcp_requires_session": "auto"}

	for i := 0; i < 2; i++ {
		if _, err := m.ExecuteWithSession(context.Background(), "mcp.tool.v1", meta, map[string]any{"i": i}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if h.inits != 1 || h.executes != 2 {
		t.Fatalf("expected 1 init and 2 executes, got %d and %d", h.inits, h.executes)
	}
}

func TestManagerRetriesOnceOnExpiry(t *testing.T) {
	m := NewManager()
	h := newFakeHandler()
	m.RegisterHandler("mcp", h)
	meta := map[string]string{"mcp_server_url": "http://x"}

	if _, err := m.ExecuteWithSession(context.Background(), "cap", meta, nil); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	h.expireNext = 1
	out, err := m.ExecuteWithSession(context.Background(), "cap", meta, nil)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if h.inits != 2 || h.executes != 3 {
		t.Fatalf("expected 2 inits and 3 executes, got %d and %d", h.inits, h.executes)
	}
	if res := out.(map[string]any); res["session"] != "cap-2" {
		t.Errorf("expected fresh session, got %v", res["session"])
	}
}

func TestManagerRetryErrorPropagates(t *testing.T) {
	m := NewManager()
	h := newFakeHandler()
	m.RegisterHandler("mcp", h)
	h.expireNext = 2

	_, err := m.ExecuteWithSession(context.Background(), "cap", map[string]string{"mcp_server_url": "x"}, nil)
	if !stderrors.Is(err, errors.ErrSessionExpired) {
		t.Fatalf("expected second expiry to propagate, got %v", err)
	}
	if h.executes != 2 || h.inits != 2 {
		t.Fatalf("expected exactly one retry, got %d executes and %d inits", h.executes, h.inits)
	}
}

func TestManagerDoesNotRetryOtherErrors(t *testing.T) {
	m := NewManager()
	h := newFakeHandler()
	h.executeErr = errors.New(errors.CodeTransport, "reset by peer", nil)
	m.RegisterHandler("mcp", h)

	_, err := m.ExecuteWithSession(context.Background(), "cap", map[string]string{"mcp_server_url": "x"}, nil)
	if !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if h.executes != 1 {
		t.Fatalf("expected no retry, got %d executes", h.executes)
	}
}

func TestManagerNoHandler(t *testing.T) {
	m := NewManager()
	_, err := m.ExecuteWithSession(context.Background(), "cap", map[string]string{"graphql_endpoint": "x"}, nil)
	if !stderrors.Is(err, errors.ErrNoHandlerForProvider) {
		t.Fatalf("expected no handler, got %v", err)
	}
	_, err = m.ExecuteWithSession(context.Background(), "cap", map[string]string{"http_base_url": "x"}, nil)
	if !stderrors.Is(err, errors.ErrProviderUndetectable) {
		t.Fatalf("expected undetectable, got %v", err)
	}
}

func TestManagerSecondFamilyByRegistration(t *testing.T) {
	m := NewManager()
	mcp := newFakeHandler()
	graph := newFakeHandler()
	m.RegisterHandler("mcp", mcp)

	meta := map[string]string{"websocket_url": "ws://x", "websocket_requires_session": "true"}
	if _, err := m.ExecuteWithSession(context.Background(), "ws.cap", meta, nil); !stderrors.Is(err, errors.ErrProviderUndetectable) {
		t.Fatalf("expected unknown family before registration, got %v", err)
	}

	m.RegisterHandler("websocket", graph)
	if _, err := m.ExecuteWithSession(context.Background(), "ws.cap", meta, nil); err != nil {
		t.Fatalf("expected new family to route, got %v", err)
	}
	if graph.executes != 1 || mcp.executes != 0 {
		t.Fatalf("expected call to reach the new handler only, got %d and %d", graph.executes, mcp.executes)
	}
	found := false
	for _, f := range m.Families() {
		if f == "websocket" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected websocket in families %v", m.Families())
	}
}

func TestManagerClose(t *testing.T) {
	m := NewManager()
	h := newFakeHandler()
	m.RegisterHandler("mcp", h)
	if _, err := m.ExecuteWithSession(context.Background(), "cap", map[string]string{"mcp_server_url": "x"}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !h.closed || h.pool.Len() != 0 {
		t.Fatalf("expected handler closed and drained")
	}
}
