// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	kerrors "github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/jsonrpc"
	"github.com/jllopis/capcore/pkg/manifest"
)

// Metadata keys read by A2AExecutor.
const (
	MetaA2AEndpoint   = "a2a_endpoint"
	MetaA2AAgentID    = "a2a_agent_id"
	MetaA2AProtocol   = "a2a_protocol"
	MetaA2AAuthEnvVar = "a2a_auth_env_var"
)

// A2AMethodSendMessage is the JSON-RPC method used to delegate a capability.
const A2AMethodSendMessage = "SendMessage"

// A2AExecutor delegates capabilities to peer agents over JSON-RPC.
type A2AExecutor struct {
	client *http.Client
	opts   options
}

// NewA2AExecutor creates an A2A executor. A nil client uses http.DefaultClient.
func NewA2AExecutor(client *http.Client, opts ...Option) *A2AExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &A2AExecutor{client: client, opts: newOptions(opts)}
}

type a2aPart struct {
	Data map[string]any `json:"data"`
}

type a2aMessage struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
}

type a2aSendParams struct {
	Message  a2aMessage        `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Execute implements Executor.
func (e *A2AExecutor) Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error) {
	endpoint := strings.TrimSpace(m.MetaOr(MetaA2AEndpoint, ""))
	if endpoint == "" {
		return nil, kerrors.Newf(kerrors.CodeInvalidInput, "capability %q has no %s", m.ID, MetaA2AEndpoint).
			WithContext("capability_id", m.ID)
	}
	switch protocol := strings.ToLower(m.MetaOr(MetaA2AProtocol, "http")); protocol {
	case "http", "https":
	default:
		return nil, kerrors.Newf(kerrors.CodeInvalidInput, "unsupported A2A protocol %q", protocol).
			WithContext("capability_id", m.ID)
	}
	token, err := e.opts.credential(m, MetaA2AAuthEnvVar)
	if err != nil {
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	params := a2aSendParams{
		Message: a2aMessage{
			MessageID: uuid.NewString(),
			Role:      "user",
			Parts:     []a2aPart{{Data: args}},
		},
		Metadata: map[string]string{"capability_id": m.ID},
	}
	if agentID := m.MetaOr(MetaA2AAgentID, ""); agentID != "" {
		params.Metadata["agent_id"] = agentID
	}
	req, err := jsonrpc.NewRequest(A2AMethodSendMessage, params)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "encode a2a request", err).
			WithContext("capability_id", m.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.callTimeout(m, "a2a"))
	defer cancel()

	headers := map[string]string{"Accept": "application/json, text/event-stream"}
	if token != "" {
		headers["Authorization"] = bearer(token)
	}
	request, err := jsonrpc.NewHTTPRequest(ctx, endpoint, req, headers)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "build a2a request", err).
			WithContext("capability_id", m.ID)
	}

	e.opts.logger.DebugContext(ctx, "a2a executor send",
		"capability_id", m.ID, "endpoint", request.URL.Redacted(), "agent_id", params.Metadata["agent_id"])

	resp, err := e.client.Do(request)
	if err != nil {
		return nil, transportError(m, "a2a request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, kerrors.Newf(kerrors.CodeTransport, "a2a http %d: %s", resp.StatusCode, jsonrpc.HTTPErrorDetail(resp)).
			WithContext("capability_id", m.ID).
			WithRecoverable(resp.StatusCode >= 500)
	}

	decoded, err := jsonrpc.DecodeResponse(ctx, resp)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, transportError(m, "a2a response", err)
		}
		return nil, protocolError(m, "invalid a2a response", err)
	}
	if decoded.Error != nil {
		return nil, kerrors.New(kerrors.CodeProtocol, decoded.Error.Message, decoded.Error).
			WithContext("capability_id", m.ID)
	}
	var out any
	if err := json.Unmarshal(decoded.Result, &out); err != nil {
		return nil, protocolError(m, "malformed a2a result", err)
	}
	return out, nil
}
