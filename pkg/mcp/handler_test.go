// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/jsonrpc"
	"github.com/jllopis/capcore/pkg/session"
)

func envMap(vars map[string]string) Option {
	return WithEnvLookup(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
}

// fakeServer is a minimal streamable HTTP MCP peer that counts what it sees.
type fakeServer struct {
	*httptest.Server

	inits         atomic.Int32
	calls         atomic.Int32
	notifications atomic.Int32
	deletes       atomic.Int32
	expireNext    atomic.Int32
	initDelay     time.Duration

	mu          sync.Mutex
	lastAuth    string
	lastSession string
	lastVersion string
	lastTool    string
	lastArgs    map[string]any
	toolText    string
	omitSession bool
	sse         bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{toolText: `{"ok":true}`}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		f.deletes.Add(1)
		w.WriteHeader(http.StatusOK)
		return
	}
	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.lastAuth = r.Header.Get("Authorization")
	f.mu.Unlock()

	switch req.Method {
	case methodInitialize:
		n := f.inits.Add(1)
		if f.initDelay > 0 {
			time.Sleep(f.initDelay)
		}
		if !f.omitSession {
			w.Header().Set(HeaderSessionID, fmt.Sprintf("sess-%d", n))
		}
		f.reply(w, req.ID, `{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"1"}}`)
	case methodInitialized:
		f.notifications.Add(1)
		w.WriteHeader(http.StatusAccepted)
	case methodToolsCall:
		f.calls.Add(1)
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		f.mu.Lock()
		f.lastSession = r.Header.Get(HeaderSessionID)
		f.lastVersion = r.Header.Get(HeaderProtocolVersion)
		f.lastTool = params.Name
		f.lastArgs = params.Arguments
		text := f.toolText
		f.mu.Unlock()
		if f.expireNext.Load() > 0 {
			f.expireNext.Add(-1)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		content, _ := json.Marshal(text)
		f.reply(w, req.ID, `{"content":[{"type":"text","text":`+string(content)+`}]}`)
	default:
		f.replyError(w, req.ID, -32601, "method not found")
	}
}

func (f *fakeServer) reply(w http.ResponseWriter, id, result string) {
	body := `{"jsonrpc":"2.0","id":"` + id + `","result":` + result + `}`
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: "+body+"\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (f *fakeServer) replyError(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":"%s","error":{"code":%d,"message":"%s"}}`, id, code, msg)
}

func meta(url string) map[string]string {
	return map[string]string{
		MetaServerURL:       url,
		MetaRequiresSession: "auto",
	}
}

func TestHandlerAgainstMCPGoServer(t *testing.T) {
	server := mcpserver.NewMCPServer("test-http", "1.0.0")
	server.AddTool(mcpgo.NewTool("ping"), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return &mcpgo.CallToolResult{
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "pong"}},
		}, nil
	})
	server.AddTool(mcpgo.NewTool("stats"), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return &mcpgo.CallToolResult{
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: `{"count":3}`}},
		}, nil
	})
	server.AddTool(mcpgo.NewTool("broken"), func(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return &mcpgo.CallToolResult{
			IsError: true,
			Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "disk full"}},
		}, nil
	})

	httpServer := mcpserver.NewTestStreamableHTTPServer(server)
	defer httpServer.Close()

	h := New(envMap(nil), WithTimeout(5*time.Second))
	ctx := context.Background()
	m := meta(httpServer.URL)

	for i := 0; i < 2; i++ {
		id, err := h.GetOrCreateSession(ctx, "mcp.test.ping", m)
		if err != nil {
			t.Fatalf("GetOrCreateSession: %v", err)
		}
		got, err := h.ExecuteWithSession(ctx, id, "mcp.test.ping", nil)
		if err != nil {
			t.Fatalf("ExecuteWithSession: %v", err)
		}
		if got != "pong" {
			t.Fatalf("expected pong, got %#v", got)
		}
	}
	if s := h.Stats(); s.SessionsInitialized != 1 || s.Executions != 2 {
		t.Fatalf("expected one session for two calls, got %+v", s)
	}

	id, err := h.GetOrCreateSession(ctx, "mcp.test.stats", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	got, err := h.ExecuteWithSession(ctx, id, "mcp.test.stats", nil)
	if err != nil {
		t.Fatalf("ExecuteWithSession: %v", err)
	}
	if res, ok := got.(map[string]any); !ok || res["count"] != float64(3) {
		t.Fatalf("expected decoded JSON text, got %#v", got)
	}

	id, err = h.GetOrCreateSession(ctx, "mcp.test.broken", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	_, err = h.ExecuteWithSession(ctx, id, "mcp.test.broken", nil)
	if !stderrors.Is(err, errors.ErrProtocol) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected protocol error with tool text, got %v", err)
	}

	if err := h.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if h.Stats().ActiveSessions != 0 {
		t.Errorf("expected no active sessions after CloseAll")
	}
}

func TestHandlerSingleFlight(t *testing.T) {
	f := newFakeServer(t)
	f.initDelay = 50 * time.Millisecond
	h := New(envMap(nil))

	const n = 20
	var wg sync.WaitGroup
	ids := make([]session.ID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(f.URL))
		}(i)
	}
	wg.Wait()

	if got := f.inits.Load(); got != 1 {
		t.Fatalf("expected one initialize, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || ids[i] != "sess-1" {
			t.Fatalf("caller %d got %q, %v", i, ids[i], errs[i])
		}
	}
	if got := f.notifications.Load(); got != 1 {
		t.Errorf("expected one initialized notification, got %d", got)
	}
}

func TestHandlerEchoesSessionHeaders(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(map[string]string{"FAKE_TOKEN": "s3cr3t"}))
	m := meta(f.URL)
	m[MetaAuthEnvVar] = "FAKE_TOKEN"
	m[MetaToolName] = "echo_tool"

	id, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	got, err := h.ExecuteWithSession(context.Background(), id, "mcp.fake.echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("ExecuteWithSession: %v", err)
	}
	if res, ok := got.(map[string]any); !ok || res["ok"] != true {
		t.Fatalf("unexpected result %#v", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSession != "sess-1" {
		t.Errorf("expected session header echoed, got %q", f.lastSession)
	}
	if f.lastVersion != "2025-03-26" {
		t.Errorf("expected negotiated protocol version, got %q", f.lastVersion)
	}
	if f.lastAuth != "Bearer s3cr3t" {
		t.Errorf("unexpected auth header %q", f.lastAuth)
	}
	if f.lastTool != "echo_tool" || f.lastArgs["text"] != "hi" {
		t.Errorf("unexpected tool call %s %v", f.lastTool, f.lastArgs)
	}
}

func TestHandlerSSEResponses(t *testing.T) {
	f := newFakeServer(t)
	f.sse = true
	f.toolText = "plain text"
	h := New(envMap(nil))

	id, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(f.URL))
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	got, err := h.ExecuteWithSession(context.Background(), id, "mcp.fake.echo", nil)
	if err != nil {
		t.Fatalf("ExecuteWithSession: %v", err)
	}
	if got != "plain text" {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestHandlerExpiredSession(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(nil))
	m := meta(f.URL)
	ctx := context.Background()

	id, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	f.expireNext.Store(1)
	_, err = h.ExecuteWithSession(ctx, id, "mcp.fake.echo", nil)
	if !stderrors.Is(err, errors.ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if stderrors.Is(err, errors.ErrTransport) {
		t.Fatal("session expiry must not look like a transport error")
	}
	key := session.Key{CapabilityID: "mcp.fake.echo", ServerURL: f.URL}
	if st := h.States()[key]; st != session.Uninitialized {
		t.Fatalf("expected slot reset to uninitialized, got %s", st)
	}

	id2, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if id2 == id || f.inits.Load() != 2 {
		t.Fatalf("expected a fresh session, got %q after %d inits", id2, f.inits.Load())
	}
}

func TestHandlerWithManagerRetriesOnce(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(nil))
	mgr := session.NewManager()
	mgr.RegisterHandler(Family, h)
	ctx := context.Background()
	m := meta(f.URL)

	if _, err := mgr.ExecuteWithSession(ctx, "mcp.fake.echo", m, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	f.expireNext.Store(1)
	if _, err := mgr.ExecuteWithSession(ctx, "mcp.fake.echo", m, nil); err != nil {
		t.Fatalf("expected transparent recovery, got %v", err)
	}
	if f.inits.Load() != 2 || f.calls.Load() != 3 {
		t.Fatalf("expected 2 inits and 3 calls, got %d and %d", f.inits.Load(), f.calls.Load())
	}
}

func TestHandlerAuthMissing(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(map[string]string{"OTHER_TOKEN": "s3cr3t"}))
	m := meta(f.URL)
	m[MetaAuthEnvVar] = "GITHUB_MCP_TOKEN"

	_, err := h.GetOrCreateSession(context.Background(), "mcp.github.list_issues", m)
	if !stderrors.Is(err, errors.ErrAuthMissing) {
		t.Fatalf("expected auth missing, got %v", err)
	}
	if !strings.Contains(err.Error(), "GITHUB_MCP_TOKEN") || strings.Contains(err.Error(), "s3cr3t") {
		t.Errorf("unexpected error text %q", err.Error())
	}
	if f.inits.Load() != 0 {
		t.Errorf("expected no network call, got %d initializes", f.inits.Load())
	}
}

// countingEnv is a mutable environment that counts lookups per variable.
type countingEnv struct {
	mu    sync.Mutex
	vars  map[string]string
	reads map[string]int
}

func (e *countingEnv) lookup(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reads[key]++
	v, ok := e.vars[key]
	return v, ok
}

func (e *countingEnv) unset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
}

func TestHandlerReadsCredentialOnlyAtInitialization(t *testing.T) {
	f := newFakeServer(t)
	env := &countingEnv{vars: map[string]string{"TOK": "abc"}, reads: map[string]int{}}
	h := New(WithEnvLookup(env.lookup))
	m := meta(f.URL)
	m[MetaAuthEnvVar] = "TOK"
	ctx := context.Background()

	first, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", m)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	env.unset("TOK")
	second, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", m)
	if err != nil {
		t.Fatalf("expected the live session after the variable was unset, got %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session, got %s and %s", first, second)
	}
	if _, err := h.ExecuteWithSession(ctx, second, "mcp.fake.echo", nil); err != nil {
		t.Fatalf("ExecuteWithSession: %v", err)
	}
	f.mu.Lock()
	auth := f.lastAuth
	f.mu.Unlock()
	if auth != "Bearer abc" {
		t.Errorf("expected the recorded token on calls, got %q", auth)
	}
	env.mu.Lock()
	reads := env.reads["TOK"]
	env.mu.Unlock()
	if reads != 1 {
		t.Fatalf("expected one read of TOK, got %d", reads)
	}
	if f.inits.Load() != 1 {
		t.Fatalf("expected one initialize, got %d", f.inits.Load())
	}
}

func TestHandlerTokenNeverInErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	h := New(envMap(map[string]string{"MCP_AUTH_TOKEN": "s3cr3t"}))

	_, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(srv.URL))
	if !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	data, _ := json.Marshal(err)
	if strings.Contains(err.Error(), "s3cr3t") || strings.Contains(string(data), "s3cr3t") {
		t.Fatalf("token leaked in error: %s", data)
	}
}

func TestHandlerInitializeFailures(t *testing.T) {
	f := newFakeServer(t)
	f.omitSession = true
	h := New(envMap(nil))
	if _, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(f.URL)); !stderrors.Is(err, errors.ErrProtocol) {
		t.Fatalf("expected protocol error without session id, got %v", err)
	}

	rpcErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderSessionID, "ignored")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"1","error":{"code":-32602,"message":"unsupported protocol version"}}`)
	}))
	defer rpcErr.Close()
	if _, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(rpcErr.URL)); !stderrors.Is(err, errors.ErrProtocol) {
		t.Fatalf("expected protocol error for jsonrpc error, got %v", err)
	}

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderSessionID, "sess-x")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"1","result":"not an object"}`)
	}))
	defer malformed.Close()
	if _, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(malformed.URL)); !stderrors.Is(err, errors.ErrProtocol) {
		t.Fatalf("expected protocol error for malformed initialize result, got %v", err)
	}

	if _, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", map[string]string{MetaRequiresSession: "auto"}); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("expected invalid input without server url, got %v", err)
	}
}

func TestHandlerUnknownSession(t *testing.T) {
	h := New(envMap(nil))
	_, err := h.ExecuteWithSession(context.Background(), "nope", "mcp.fake.echo", nil)
	if !stderrors.Is(err, errors.ErrSessionExpired) {
		t.Fatalf("expected session expired for unknown id, got %v", err)
	}
}

func TestHandlerCloseAllDuringInitialization(t *testing.T) {
	f := newFakeServer(t)
	f.initDelay = 200 * time.Millisecond
	h := New(envMap(nil))

	done := make(chan error, 1)
	go func() {
		_, err := h.GetOrCreateSession(context.Background(), "mcp.fake.echo", meta(f.URL))
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.inits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initialize never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	if err := <-done; !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("expected closed-pool error, got %v", err)
	}
	if got := f.deletes.Load(); got != 1 {
		t.Fatalf("expected the late session to be deleted, got %d deletes", got)
	}
	if h.Stats().ActiveSessions != 0 {
		t.Fatalf("expected no active sessions, got %d", h.Stats().ActiveSessions)
	}
}

func TestHandlerTerminate(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(nil))
	ctx := context.Background()

	id, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", meta(f.URL))
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := h.TerminateSession(ctx, id); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if f.deletes.Load() != 1 {
		t.Errorf("expected DELETE to be sent, got %d", f.deletes.Load())
	}
	if _, err := h.ExecuteWithSession(ctx, id, "mcp.fake.echo", nil); !stderrors.Is(err, errors.ErrSessionExpired) {
		t.Errorf("terminated session should be unusable, got %v", err)
	}
	key := session.Key{CapabilityID: "mcp.fake.echo", ServerURL: f.URL}
	if st := h.States()[key]; st != session.Terminated {
		t.Errorf("expected terminated slot, got %s", st)
	}
	if err := h.TerminateSession(ctx, id); err != nil {
		t.Errorf("second terminate should be a no-op, got %v", err)
	}
}

func TestHandlerTerminateUnreachableServer(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(nil))
	ctx := context.Background()
	id, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", meta(f.URL))
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	f.Close()
	if err := h.TerminateSession(ctx, id); err != nil {
		t.Fatalf("terminate must be best effort, got %v", err)
	}
	if h.Stats().ActiveSessions != 0 {
		t.Fatal("record must be removed even when the server is gone")
	}
}

func TestHandlerInitializeSessionReplaces(t *testing.T) {
	f := newFakeServer(t)
	h := New(envMap(nil))
	ctx := context.Background()

	first, err := h.InitializeSession(ctx, "mcp.fake.echo", meta(f.URL))
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	second, err := h.InitializeSession(ctx, "mcp.fake.echo", meta(f.URL))
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	if first == second {
		t.Fatal("expected a new session id")
	}
	if f.deletes.Load() != 1 {
		t.Errorf("expected the replaced session to be terminated")
	}
	got, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", meta(f.URL))
	if err != nil || got != second {
		t.Fatalf("expected GetOrCreate to reuse %q, got %q %v", second, got, err)
	}
}

func TestHandlerPoolExpiryPolicy(t *testing.T) {
	f := newFakeServer(t)
	now := time.Now()
	h := New(envMap(nil), WithPoolOptions(
		session.WithExpiryPolicy(session.TTL(time.Minute)),
		session.WithClock(func() time.Time { return now }),
	))
	ctx := context.Background()
	if _, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", meta(f.URL)); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := h.GetOrCreateSession(ctx, "mcp.fake.echo", meta(f.URL)); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if f.inits.Load() != 2 {
		t.Fatalf("expected ttl to force a new session, got %d inits", f.inits.Load())
	}
}
