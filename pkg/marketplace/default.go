// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package marketplace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jllopis/capcore/pkg/audit"
	"github.com/jllopis/capcore/pkg/config"
	"github.com/jllopis/capcore/pkg/executor"
	"github.com/jllopis/capcore/pkg/graphql"
	"github.com/jllopis/capcore/pkg/grpcsession"
	"github.com/jllopis/capcore/pkg/manifest"
	"github.com/jllopis/capcore/pkg/mcp"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

// NewDefault builds a marketplace wired from cfg: the http, local,
// remote_module and a2a executors, the MCP and GraphQL session handlers, the
// audit store and every manifest file listed under manifests.paths. opts are
// applied after the defaults.
func NewDefault(cfg *config.Config, opts ...Option) (*Marketplace, error) {
	if cfg == nil {
		return nil, fmt.Errorf("marketplace: nil config")
	}
	logger := slog.Default()

	metrics, err := telemetry.NewExecutionMetrics()
	if err != nil {
		return nil, fmt.Errorf("marketplace: metrics: %w", err)
	}

	execOpts := []executor.Option{
		executor.WithTimeout(cfg.Execution.DefaultTimeout),
		executor.WithLogger(logger),
	}
	client := &http.Client{}
	executors := executor.NewSet()
	executors.Register(manifest.KindHTTP, executor.NewHTTPExecutor(client, execOpts...))
	executors.Register(manifest.KindLocal, executor.NewLocalExecutor(execOpts...))
	executors.Register(manifest.KindRemoteModule, executor.NewModuleExecutor(nil, execOpts...))
	executors.Register(manifest.KindA2A, executor.NewA2AExecutor(client, execOpts...))

	sessions := session.NewManager(session.WithLogger(logger), session.WithMetrics(metrics))
	sessions.RegisterHandler(mcp.Family, mcp.New(
		mcp.WithHTTPClient(client),
		mcp.WithTimeout(cfg.MCP.Timeout),
		mcp.WithProtocolVersion(cfg.MCP.ProtocolVersion),
		mcp.WithClientInfo(cfg.MCP.ClientName, cfg.MCP.ClientVersion),
		mcp.WithLogger(logger),
		mcp.WithMetrics(metrics),
		mcp.WithPoolOptions(session.WithExpiryPolicy(session.TTL(cfg.Session.TTL))),
	))
	sessions.RegisterHandler(graphql.Family, graphql.New(
		graphql.WithHTTPClient(client),
		graphql.WithTimeout(cfg.Execution.DefaultTimeout),
		graphql.WithLogger(logger),
		graphql.WithMetrics(metrics),
		graphql.WithPoolOptions(session.WithExpiryPolicy(session.TTL(cfg.Session.TTL))),
	))
	sessions.RegisterHandler(grpcsession.Family, grpcsession.New(
		grpcsession.WithTimeout(cfg.Execution.DefaultTimeout),
		grpcsession.WithLogger(logger),
		grpcsession.WithMetrics(metrics),
		grpcsession.WithPoolOptions(session.WithExpiryPolicy(session.TTL(cfg.Session.TTL))),
	))

	all := []Option{
		WithExecutors(executors),
		WithSessionManager(sessions),
		WithLogger(logger),
		WithMetrics(metrics),
	}
	var closers []io.Closer
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("marketplace: %w", err)
		}
		if c, ok := store.(io.Closer); ok {
			closers = append(closers, c)
		}
		all = append(all, WithAuditStore(store))
	}
	m := New(append(all, opts...)...)
	m.closers = append(m.closers, closers...)

	for _, path := range cfg.Manifests.Paths {
		manifests, err := manifest.LoadFile(path)
		if err != nil {
			_ = m.Close(context.Background())
			return nil, fmt.Errorf("marketplace: %w", err)
		}
		for _, man := range manifests {
			if err := m.RegisterManifest(man); err != nil {
				_ = m.Close(context.Background())
				return nil, fmt.Errorf("marketplace: %s: %w", path, err)
			}
		}
		m.logger.Info("manifests loaded", "path", path, "count", len(manifests))
	}
	return m, nil
}
