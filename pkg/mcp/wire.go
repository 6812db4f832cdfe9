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
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/jsonrpc"
	"github.com/jllopis/capcore/pkg/session"
)

// Streamable HTTP transport headers.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsCall   = "tools/call"
)

func (h *Handler) initialize(ctx context.Context, key session.Key, tgt target) (*record, error) {
	ctx, cancel := context.WithTimeout(ctx, tgt.timeout)
	defer cancel()

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = h.protocolVersion
	initReq.Params.ClientInfo = h.clientInfo
	initReq.Params.Capabilities = mcpgo.ClientCapabilities{}

	req, err := jsonrpc.NewRequest(methodInitialize, initReq.Params)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "encode initialize request", err)
	}
	headers := map[string]string{}
	if tgt.token != "" {
		headers["Authorization"] = authorization(tgt.token)
	}

	resp, err := h.post(ctx, tgt.serverURL, req, headers)
	if err != nil {
		return nil, h.transportError(key.CapabilityID, "mcp initialize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(key.CapabilityID, "mcp initialize", resp)
	}

	decoded, err := jsonrpc.DecodeResponse(ctx, resp)
	if err != nil {
		return nil, h.decodeError(key.CapabilityID, "mcp initialize", err)
	}
	if decoded.Error != nil {
		return nil, errors.New(errors.CodeProtocol, "mcp initialize: "+decoded.Error.Message, decoded.Error).
			WithContext("capability_id", key.CapabilityID)
	}
	sessionID := strings.TrimSpace(resp.Header.Get(HeaderSessionID))
	if sessionID == "" {
		return nil, errors.New(errors.CodeProtocol, "mcp initialize: response carries no session id", nil).
			WithContext("capability_id", key.CapabilityID)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		return nil, errors.New(errors.CodeProtocol, "mcp initialize: malformed result", err).
			WithContext("capability_id", key.CapabilityID)
	}
	version := result.ProtocolVersion
	if version == "" {
		version = h.protocolVersion
	}

	rec := &record{
		id:              session.ID(sessionID),
		key:             key,
		serverURL:       tgt.serverURL,
		authToken:       tgt.token,
		protocolVersion: version,
		toolName:        tgt.toolName,
		timeout:         tgt.timeout,
		createdAt:       time.Now(),
	}
	h.notifyInitialized(ctx, rec)

	h.initialized.Add(1)
	h.metrics.RecordSessionInitialized(ctx, Family)
	h.logger.InfoContext(ctx, "mcp session initialized",
		"capability_id", key.CapabilityID, "server_url", rec.serverURL,
		"session_id", sessionID, "protocol_version", version)
	return rec, nil
}

func (h *Handler) notifyInitialized(ctx context.Context, rec *record) {
	note, err := jsonrpc.NewNotification(methodInitialized, nil)
	if err != nil {
		return
	}
	resp, err := h.post(ctx, rec.serverURL, note, h.sessionHeaders(rec))
	if err != nil {
		h.logger.DebugContext(ctx, "mcp initialized notification failed",
			"session_id", string(rec.id), "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (h *Handler) callTool(ctx context.Context, rec *record, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, rec.timeout)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	callReq := mcpgo.CallToolRequest{}
	callReq.Params.Name = rec.toolName
	callReq.Params.Arguments = args

	req, err := jsonrpc.NewRequest(methodToolsCall, callReq.Params)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "encode tool arguments", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	resp, err := h.post(ctx, rec.serverURL, req, h.sessionHeaders(rec))
	if err != nil {
		return nil, h.transportError(rec.key.CapabilityID, "mcp tools/call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Newf(errors.CodeSessionExpired, "mcp session %s expired", rec.id).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(rec.key.CapabilityID, "mcp tools/call", resp)
	}

	decoded, err := jsonrpc.DecodeResponse(ctx, resp)
	if err != nil {
		return nil, h.decodeError(rec.key.CapabilityID, "mcp tools/call", err)
	}
	if decoded.Error != nil {
		return nil, errors.New(errors.CodeProtocol, "mcp tools/call: "+decoded.Error.Message, decoded.Error).
			WithContext("capability_id", rec.key.CapabilityID).
			WithAttribute("jsonrpc.code", fmt.Sprint(decoded.Error.Code))
	}
	return shapeResult(rec.key.CapabilityID, decoded.Result)
}

func (h *Handler) deleteSession(ctx context.Context, rec *record) error {
	ctx, cancel := context.WithTimeout(ctx, rec.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, rec.serverURL, nil)
	if err != nil {
		return err
	}
	jsonrpc.ApplyHeaders(ctx, request, h.sessionHeaders(rec))
	resp, err := h.client.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		return fmt.Errorf("delete session: %s", resp.Status)
	}
	return nil
}

func (h *Handler) post(ctx context.Context, url string, req *jsonrpc.Request, headers map[string]string) (*http.Response, error) {
	request, err := jsonrpc.NewHTTPRequest(ctx, url, req, headers)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json, text/event-stream")
	return h.client.Do(request)
}

func (h *Handler) sessionHeaders(rec *record) map[string]string {
	headers := map[string]string{
		HeaderSessionID:       string(rec.id),
		HeaderProtocolVersion: rec.protocolVersion,
	}
	if rec.authToken != "" {
		headers["Authorization"] = authorization(rec.authToken)
	}
	return headers
}

func (h *Handler) transportError(capabilityID, op string, err error) error {
	e := errors.New(errors.CodeTransport, op+" failed", err).
		WithContext("capability_id", capabilityID)
	if stderrors.Is(err, context.DeadlineExceeded) {
		e = e.WithRecoverable(true)
	}
	return e
}

func (h *Handler) decodeError(capabilityID, op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return h.transportError(capabilityID, op, err)
	}
	return errors.New(errors.CodeProtocol, op+": invalid response", err).
		WithContext("capability_id", capabilityID)
}

func statusError(capabilityID, op string, resp *http.Response) error {
	return errors.Newf(errors.CodeTransport, "%s: http %d: %s", op, resp.StatusCode, jsonrpc.HTTPErrorDetail(resp)).
		WithContext("capability_id", capabilityID).
		WithAttribute("http.status_code", fmt.Sprint(resp.StatusCode)).
		WithRecoverable(resp.StatusCode >= 500)
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent any  `json:"structuredContent"`
	IsError           bool `json:"isError"`
}

// shapeResult turns a tools/call result into the value handed back to callers:
// structured content if present, else JSON decoded from the first text block,
// else that text, else the raw result.
func shapeResult(capabilityID string, raw json.RawMessage) (any, error) {
	var res toolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.New(errors.CodeProtocol, "mcp tools/call: malformed result", err).
			WithContext("capability_id", capabilityID)
	}
	if res.IsError {
		texts := make([]string, 0, len(res.Content))
		for _, c := range res.Content {
			if c.Type == "text" && c.Text != "" {
				texts = append(texts, c.Text)
			}
		}
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, errors.New(errors.CodeProtocol, msg, nil).
			WithContext("capability_id", capabilityID)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if len(res.Content) > 0 && res.Content[0].Type == "text" {
		text := strings.TrimSpace(res.Content[0].Text)
		if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
			var decoded any
			if err := json.Unmarshal([]byte(text), &decoded); err == nil {
				return decoded, nil
			}
		}
		return res.Content[0].Text, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.New(errors.CodeProtocol, "mcp tools/call: malformed result", err).
			WithContext("capability_id", capabilityID)
	}
	return out, nil
}
