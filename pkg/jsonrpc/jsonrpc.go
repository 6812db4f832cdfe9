// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsonrpc holds the JSON-RPC 2.0 envelope and HTTP body decoding shared by
// the A2A executor and the MCP session handler.
package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Version is the protocol version carried by every envelope.
const Version = "2.0"

// ErrEmptyResponse is returned when a body carries neither a result nor an error.
var ErrEmptyResponse = errors.New("jsonrpc: response has neither result nor error")

// Request is a JSON-RPC request or, with an empty ID, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a fresh id.
func NewRequest(method string, params any) (*Request, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = uuid.NewString()
	return req, nil
}

// NewNotification builds a request without id.
func NewNotification(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = json.RawMessage(payload)
	}
	return req, nil
}

// NewHTTPRequest encodes req as a POST to endpoint with trace context and the
// given headers applied.
func NewHTTPRequest(ctx context.Context, endpoint string, req *Request, headers map[string]string) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	ApplyHeaders(ctx, request, headers)
	return request, nil
}

// ApplyHeaders sets headers on request and injects the active trace context.
func ApplyHeaders(ctx context.Context, request *http.Request, headers map[string]string) {
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(request.Header))
}

// DecodeResponse reads a JSON or server-sent-events body. For SSE bodies the last
// frame carrying a result or an error wins.
func DecodeResponse(ctx context.Context, resp *http.Response) (*Response, error) {
	if isEventStream(resp.Header.Get("Content-Type")) {
		var last *Response
		err := ReadSSE(ctx, resp.Body, func(payload []byte) error {
			var decoded Response
			if err := json.Unmarshal(payload, &decoded); err != nil {
				return nil
			}
			if decoded.Result != nil || decoded.Error != nil {
				last = &decoded
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if last == nil {
			return nil, ErrEmptyResponse
		}
		return last, nil
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode jsonrpc response: %w", err)
	}
	if decoded.Result == nil && decoded.Error == nil {
		return nil, ErrEmptyResponse
	}
	return &decoded, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}

// ReadSSE calls handle with the data of each event in body.
func ReadSSE(ctx context.Context, body io.Reader, handle func([]byte) error) error {
	reader := bufio.NewReader(body)
	var buffer bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line = strings.TrimRight(line, "\r\n"); strings.HasPrefix(line, "data:") {
					appendData(&buffer, line)
				}
				if buffer.Len() > 0 {
					return handle(buffer.Bytes())
				}
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if buffer.Len() == 0 {
				continue
			}
			if err := handle(buffer.Bytes()); err != nil {
				return err
			}
			buffer.Reset()
			continue
		}
		if strings.HasPrefix(line, "data:") {
			appendData(&buffer, line)
		}
	}
}

func appendData(buffer *bytes.Buffer, line string) {
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if buffer.Len() > 0 {
		buffer.WriteByte('\n')
	}
	buffer.WriteString(payload)
}

// HTTPErrorDetail extracts a short description from a non-2xx response. It reads
// at most 4KiB of the body.
func HTTPErrorDetail(response *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	if len(payload) == 0 {
		return response.Status
	}
	var decoded struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Error  *Error `json:"error"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return response.Status
	}
	detail := strings.TrimSpace(decoded.Detail)
	if detail == "" && decoded.Error != nil {
		detail = strings.TrimSpace(decoded.Error.Message)
	}
	if detail == "" {
		detail = strings.TrimSpace(decoded.Title)
	}
	if detail == "" {
		detail = response.Status
	}
	return detail
}
