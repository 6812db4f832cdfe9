// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	kerrors "github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/jsonrpc"
	"github.com/jllopis/capcore/pkg/manifest"
)

// Metadata keys read by HTTPExecutor.
const (
	MetaHTTPBaseURL    = "http_base_url"
	MetaHTTPMethod     = "http_method"
	MetaHTTPAuthEnvVar = "http_auth_env_var"
)

// Argument keys that steer the request instead of becoming part of the body.
const (
	ArgURL     = "url"
	ArgMethod  = "method"
	ArgHeaders = "headers"
	ArgBody    = "body"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// HTTPExecutor calls plain HTTP endpoints.
type HTTPExecutor struct {
	client *http.Client
	opts   options
}

// NewHTTPExecutor creates an HTTP executor. A nil client uses http.DefaultClient.
func NewHTTPExecutor(client *http.Client, opts ...Option) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{client: client, opts: newOptions(opts)}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error) {
	target := stringArg(args, ArgURL)
	if target == "" {
		target = m.MetaOr(MetaHTTPBaseURL, "")
	}
	if strings.TrimSpace(target) == "" {
		return nil, kerrors.Newf(kerrors.CodeInvalidInput, "capability %q has no %s", m.ID, MetaHTTPBaseURL).
			WithContext("capability_id", m.ID)
	}
	method := strings.ToUpper(stringArg(args, ArgMethod))
	if method == "" {
		method = strings.ToUpper(m.MetaOr(MetaHTTPMethod, http.MethodPost))
	}
	token, err := e.opts.credential(m, MetaHTTPAuthEnvVar)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.callTimeout(m, "http"))
	defer cancel()

	request, err := buildHTTPRequest(ctx, method, target, args)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "build http request", err).
			WithContext("capability_id", m.ID)
	}
	headers := headerArgs(args)
	if token != "" {
		headers["Authorization"] = bearer(token)
	}
	jsonrpc.ApplyHeaders(ctx, request, headers)

	e.opts.logger.DebugContext(ctx, "http executor request",
		"capability_id", m.ID, "method", method, "url", request.URL.Redacted())

	resp, err := e.client.Do(request)
	if err != nil {
		return nil, transportError(m, "http request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := jsonrpc.HTTPErrorDetail(resp)
		return nil, kerrors.Newf(kerrors.CodeTransport, "http %d: %s", resp.StatusCode, detail).
			WithContext("capability_id", m.ID).
			WithAttribute("http.status_code", fmt.Sprint(resp.StatusCode)).
			WithRecoverable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(m, "read http response", err)
	}
	return decodeHTTPBody(m, resp.Header.Get("Content-Type"), payload)
}

func buildHTTPRequest(ctx context.Context, method, target string, args map[string]any) (*http.Request, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	rest := bodyArgs(args)

	var body io.Reader
	contentType := ""
	switch {
	case hasArg(args, ArgBody):
		switch b := args[ArgBody].(type) {
		case string:
			body = strings.NewReader(b)
			contentType = "text/plain; charset=utf-8"
		case []byte:
			body = bytes.NewReader(b)
			contentType = "application/octet-stream"
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
			contentType = "application/json"
		}
	case method == http.MethodGet || method == http.MethodHead || method == http.MethodDelete:
		if len(rest) > 0 {
			q := parsed.Query()
			for k, v := range rest {
				q.Set(k, fmt.Sprint(v))
			}
			parsed.RawQuery = q.Encode()
		}
	default:
		data, err := json.Marshal(rest)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")
	return request, nil
}

func decodeHTTPBody(m manifest.Manifest, contentType string, payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	if !isJSON(contentType) {
		return string(payload), nil
	}
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, protocolError(m, "malformed json response", err)
	}
	return out, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func hasArg(args map[string]any, key string) bool {
	_, ok := args[key]
	return ok
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func headerArgs(args map[string]any) map[string]string {
	out := make(map[string]string)
	switch h := args[ArgHeaders].(type) {
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	case map[string]any:
		for k, v := range h {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func bodyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case ArgURL, ArgMethod, ArgHeaders, ArgBody:
			continue
		}
		out[k] = v
	}
	return out
}
