// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package session routes stateful capability calls to per-family handlers that
// own the provider sessions.
package session

import (
	"context"
	"strings"
)

// ID is an opaque session identifier issued by a provider's initialize response.
type ID string

// Handler manages sessions for one provider family.
//
// GetOrCreateSession must initialize at most once per (capability, server) pair,
// even under concurrent callers. ExecuteWithSession reports a session the provider
// no longer recognizes with errors.CodeSessionExpired, distinct from transport
// failures. TerminateSession is best effort and always forgets the session.
type Handler interface {
	InitializeSession(ctx context.Context, capabilityID string, metadata map[string]string) (ID, error)
	ExecuteWithSession(ctx context.Context, id ID, capabilityID string, args map[string]any) (any, error)
	TerminateSession(ctx context.Context, id ID) error
	GetOrCreateSession(ctx context.Context, capabilityID string, metadata map[string]string) (ID, error)
}

// Closer is implemented by handlers that hold sessions open until shutdown.
type Closer interface {
	CloseAll(ctx context.Context) error
}

// Key identifies one session slot.
type Key struct {
	CapabilityID string
	ServerURL    string
}

func (k Key) String() string {
	return k.CapabilityID + "@" + k.ServerURL
}

// RequiresSessionSuffix marks the metadata key that declares a stateful provider.
const RequiresSessionSuffix = "_requires_session"

// RequiresSession reports whether any <family>_requires_session key is "true" or "auto".
func RequiresSession(metadata map[string]string) bool {
	for k, v := range metadata {
		if !strings.HasSuffix(k, RequiresSessionSuffix) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "auto":
			return true
		}
	}
	return false
}
