// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/capcore/pkg/errors"
)

// Metadata keys read by the handler.
const (
	MetaServerURL            = "mcp_server_url"
	MetaServerEndpoint       = "mcp_server_endpoint"
	MetaServerURLOverrideEnv = "mcp_server_url_override_env"
	MetaServerName           = "mcp_server_name"
	MetaAuthEnvVar           = "mcp_auth_env_var"
	MetaToolName             = "mcp_tool_name"
	MetaTimeoutMs            = "mcp_timeout_ms"
	MetaRequiresSession      = "mcp_requires_session"
)

// GenericTokenEnv is the last credential fallback.
const GenericTokenEnv = "MCP_AUTH_TOKEN"

// target is everything the handler derives from a capability's metadata.
type target struct {
	serverURL string
	token     string
	toolName  string
	timeout   time.Duration
}

// resolve derives the session key inputs. The credential is left empty; it is
// read by open when a session is actually initialized.
func (h *Handler) resolve(capabilityID string, metadata map[string]string) (target, error) {
	url, err := h.serverURL(capabilityID, metadata)
	if err != nil {
		return target{}, err
	}
	return target{
		serverURL: url,
		toolName:  toolName(capabilityID, metadata),
		timeout:   h.callTimeout(metadata),
	}, nil
}

func (h *Handler) serverURL(capabilityID string, metadata map[string]string) (string, error) {
	if env := strings.TrimSpace(metadata[MetaServerURLOverrideEnv]); env != "" {
		if v, ok := h.lookupEnv(env); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	url := strings.TrimSpace(metadata[MetaServerURL])
	if url == "" {
		url = strings.TrimSpace(metadata[MetaServerEndpoint])
	}
	if url == "" {
		return "", errors.Newf(errors.CodeInvalidInput, "capability %q has no %s", capabilityID, MetaServerURL).
			WithContext("capability_id", capabilityID)
	}
	return url, nil
}

// authToken resolves the credential once per session. A declared env var must be
// set; otherwise <NAMESPACE>_MCP_TOKEN and then MCP_AUTH_TOKEN are tried, and no
// token at all is allowed.
func (h *Handler) authToken(capabilityID string, metadata map[string]string) (string, error) {
	if name := strings.TrimSpace(metadata[MetaAuthEnvVar]); name != "" {
		v, ok := h.lookupEnv(name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", errors.Newf(errors.CodeAuthMissing, "environment variable %s is not set", name).
				WithContext("capability_id", capabilityID).
				WithContext("env_var", name)
		}
		return strings.TrimSpace(v), nil
	}
	if ns := namespace(capabilityID, metadata); ns != "" {
		if v, ok := h.lookupEnv(ns + "_MCP_TOKEN"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	if v, ok := h.lookupEnv(GenericTokenEnv); ok {
		return strings.TrimSpace(v), nil
	}
	return "", nil
}

// serverName returns mcp_server_name or, for ids shaped mcp.<server>.<tool>,
// the <server> part.
func serverName(capabilityID string, metadata map[string]string) string {
	if name := strings.TrimSpace(metadata[MetaServerName]); name != "" {
		return name
	}
	rest, ok := strings.CutPrefix(capabilityID, "mcp.")
	if !ok {
		return ""
	}
	if i := strings.LastIndex(rest, "."); i > 0 {
		return rest[:i]
	}
	return ""
}

// namespace turns "github/github-mcp" into "GITHUB".
func namespace(capabilityID string, metadata map[string]string) string {
	name := serverName(capabilityID, metadata)
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func toolName(capabilityID string, metadata map[string]string) string {
	if name := strings.TrimSpace(metadata[MetaToolName]); name != "" {
		return name
	}
	if i := strings.LastIndex(capabilityID, "."); i >= 0 {
		return capabilityID[i+1:]
	}
	return capabilityID
}

func (h *Handler) callTimeout(metadata map[string]string) time.Duration {
	raw := strings.TrimSpace(metadata[MetaTimeoutMs])
	if raw == "" {
		return h.timeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return h.timeout
	}
	return time.Duration(ms) * time.Millisecond
}

func authorization(token string) string {
	if strings.Contains(token, " ") {
		return token
	}
	return "Bearer " + token
}
