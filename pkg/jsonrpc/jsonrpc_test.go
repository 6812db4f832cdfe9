// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("tools/call", map[string]any{"name": "ping"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.ID == "" || req.JSONRPC != Version {
		t.Fatalf("unexpected envelope %+v", req)
	}
	if string(req.Params) != `{"name":"ping"}` {
		t.Errorf("unexpected params %s", req.Params)
	}

	note, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	data, _ := json.Marshal(note)
	if strings.Contains(string(data), `"id"`) || strings.Contains(string(data), `"params"`) {
		t.Errorf("notification should omit id and params: %s", data)
	}
}

func TestNewHTTPRequest(t *testing.T) {
	req, _ := NewRequest("ping", nil)
	httpReq, err := NewHTTPRequest(context.Background(), "http://example.test/rpc", req, map[string]string{"X-Test": "1"})
	if err != nil {
		t.Fatalf("NewHTTPRequest: %v", err)
	}
	if httpReq.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", httpReq.Method)
	}
	if httpReq.Header.Get("Content-Type") != "application/json" || httpReq.Header.Get("X-Test") != "1" {
		t.Errorf("unexpected headers %v", httpReq.Header)
	}
	body, _ := io.ReadAll(httpReq.Body)
	if !strings.Contains(string(body), `"method":"ping"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func response(contentType, body string) *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", contentType)
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(body)
	return rec.Result()
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name       string
		ctype      string
		body       string
		wantResult string
		wantErr    error
		wantRPCErr bool
	}{
		{name: "json result", ctype: "application/json", body: `{"jsonrpc":"2.0","id":"1","result":{"ok":true}}`, wantResult: `{"ok":true}`},
		{name: "json error", ctype: "application/json", body: `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"nope"}}`, wantRPCErr: true},
		{name: "json empty", ctype: "application/json", body: `{"jsonrpc":"2.0","id":"1"}`, wantErr: ErrEmptyResponse},
		{
			name:       "sse last frame wins",
			ctype:      "text/event-stream; charset=utf-8",
			body:       "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"n\":1}}\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"n\":2}}\n\n",
			wantResult: `{"n":2}`,
		},
		{name: "sse without trailing blank line", ctype: "text/event-stream", body: "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{\"n\":3}}", wantResult: `{"n":3}`},
		{name: "sse empty", ctype: "text/event-stream", body: ": keepalive\n\n", wantErr: ErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResponse(context.Background(), response(tt.ctype, tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if tt.wantRPCErr {
				if got.Error == nil || got.Error.Message != "nope" {
					t.Fatalf("expected rpc error, got %+v", got)
				}
				return
			}
			if string(got.Result) != tt.wantResult {
				t.Errorf("result = %s, want %s", got.Result, tt.wantResult)
			}
		})
	}
}

func TestHTTPErrorDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString(`{"detail":"upstream down"}`)
	if got := HTTPErrorDetail(rec.Result()); got != "upstream down" {
		t.Errorf("unexpected detail %q", got)
	}

	rec = httptest.NewRecorder()
	rec.WriteHeader(http.StatusInternalServerError)
	_, _ = rec.WriteString("plain text")
	if got := HTTPErrorDetail(rec.Result()); got != "500 Internal Server Error" {
		t.Errorf("unexpected detail %q", got)
	}
}
