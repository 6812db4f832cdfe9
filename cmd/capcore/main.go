// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command capcore lists and executes capabilities declared in manifest files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/capcore/pkg/audit"
	"github.com/jllopis/capcore/pkg/config"
	"github.com/jllopis/capcore/pkg/manifest"
	"github.com/jllopis/capcore/pkg/marketplace"
	"github.com/jllopis/capcore/pkg/session"
	"github.com/jllopis/capcore/pkg/telemetry"
)

var version = "dev"

type globalFlags struct {
	ConfigPaths   []string
	ManifestPaths []string
	Timeout       time.Duration
	JSON          bool
	Help          bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	global, args, err := parseGlobalFlags(argv)
	if err != nil {
		printError(stderr, err, false)
		return 2
	}
	if global.Help || len(args) == 0 {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(global.ConfigPaths...)
	if err != nil {
		printError(stderr, NewConfigError(err, strings.Join(global.ConfigPaths, ",")), global.JSON)
		return 1
	}
	cfg.Manifests.Paths = append(cfg.Manifests.Paths, global.ManifestPaths...)
	if args[0] == "audit" {
		cfg.Audit.Enabled = true
	}

	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, telemetry.Options{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Exporter:       cfg.Telemetry.Exporter,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
			OTLPTimeout:    time.Duration(cfg.Telemetry.OTLPTimeoutSeconds) * time.Second,
		})
		if err != nil {
			printError(stderr, err, global.JSON)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	m, err := marketplace.NewDefault(cfg, marketplace.WithLogger(logger))
	if err != nil {
		printError(stderr, err, global.JSON)
		return 1
	}
	registerBuiltins(m)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(cctx); err != nil {
			logger.Warn("marketplace close failed", "error", err)
		}
	}()

	switch args[0] {
	case "list":
		err = runList(stdout, m, global, args[1:])
	case "describe":
		err = runDescribe(stdout, m, args[1:])
	case "exec":
		err = runExec(ctx, stdout, m, global, args[1:])
	case "audit":
		err = runAudit(ctx, stdout, m, global, args[1:])
	default:
		err = NewInvalidArgumentError(args[0], fmt.Sprintf("unknown command %q", args[0]))
	}
	if err != nil {
		printError(stderr, err, global.JSON)
		return 1
	}
	return 0
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{Timeout: 60 * time.Second}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		value := func(name string) (string, error) {
			if v, ok := strings.CutPrefix(arg, name+"="); ok {
				return v, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for %s", name)
			}
			i++
			return args[i], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || strings.HasPrefix(arg, "--config="):
			v, err := value("--config")
			if err != nil {
				return flags, nil, err
			}
			flags.ConfigPaths = append(flags.ConfigPaths, v)
		case arg == "--manifests" || strings.HasPrefix(arg, "--manifests="):
			v, err := value("--manifests")
			if err != nil {
				return flags, nil, err
			}
			flags.ManifestPaths = append(flags.ManifestPaths, manifest.SplitList(v)...)
		case arg == "--timeout" || strings.HasPrefix(arg, "--timeout="):
			v, err := value("--timeout")
			if err != nil {
				return flags, nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runList(w io.Writer, m *marketplace.Marketplace, global globalFlags, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kind := fs.String("kind", "", "only list capabilities of this provider kind")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("list", err.Error())
	}
	var out []manifest.Manifest
	for _, man := range m.List() {
		if *kind != "" && string(man.Kind) != *kind {
			continue
		}
		out = append(out, man)
	}
	if global.JSON {
		return writeJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tROUTE\tNAME")
	for _, man := range out {
		route := "stateless"
		if man.Kind == manifest.KindDelegated || session.RequiresSession(man.Metadata) {
			route = "session"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", man.ID, man.Kind, route, man.Name)
	}
	return tw.Flush()
}

func runDescribe(w io.Writer, m *marketplace.Marketplace, args []string) error {
	if len(args) != 1 {
		return NewInvalidArgumentError("describe", "expected exactly one capability id")
	}
	man, ok := m.Lookup(args[0])
	if !ok {
		return NewNotFoundError("capability", args[0])
	}
	return writeJSON(w, man)
}

func runExec(ctx context.Context, w io.Writer, m *marketplace.Marketplace, global globalFlags, args []string) error {
	if len(args) == 0 {
		return NewInvalidArgumentError("exec", "missing capability id")
	}
	id := args[0]
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	raw := fs.String("args", "", "JSON object with the call arguments")
	var pairs multiFlag
	fs.Var(&pairs, "arg", "key=value argument (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return NewInvalidArgumentError("exec", err.Error())
	}
	callArgs, err := parseExecArgs(*raw, pairs)
	if err != nil {
		return NewInvalidArgumentError("args", err.Error())
	}

	if global.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, global.Timeout)
		defer cancel()
	}
	result, err := m.Execute(ctx, id, callArgs)
	if err != nil {
		return WrapExecutionError(err, id)
	}
	if s, ok := result.(string); ok && !global.JSON {
		fmt.Fprintln(w, s)
		return nil
	}
	return writeJSON(w, result)
}

// parseExecArgs merges a JSON object with key=value pairs. Pair values that
// parse as JSON keep their type; anything else is a string.
func parseExecArgs(raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--arg %q is not key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(val), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = val
		}
	}
	return out, nil
}

func runAudit(ctx context.Context, w io.Writer, m *marketplace.Marketplace, global globalFlags, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var filter audit.Filter
	fs.StringVar(&filter.CapabilityID, "capability", "", "capability id")
	fs.StringVar(&filter.Status, "status", "", "ok or error")
	fs.StringVar(&filter.Route, "route", "", "stateless or session")
	fs.IntVar(&filter.Limit, "limit", 50, "maximum events")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("audit", err.Error())
	}
	store := m.AuditStore()
	if store == nil {
		return NewInvalidArgumentError("audit", "audit store is not configured")
	}
	events, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if global.JSON {
		return writeJSON(w, events)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCAPABILITY\tROUTE\tPROVIDER\tSTATUS\tERROR\tDURATION")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.StartedAt.Format(time.RFC3339), ev.CapabilityID, ev.Route, ev.Provider,
			ev.Status, dash(ev.ErrorCode), ev.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}

func registerBuiltins(m *marketplace.Marketplace) {
	m.RegisterLocalFunc("echo.v1", func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	if _, ok := m.Lookup("echo.v1"); !ok {
		_ = m.RegisterManifest(manifest.Manifest{
			ID:          "echo.v1",
			Name:        "Echo",
			Description: "Returns its arguments",
			Kind:        manifest.KindLocal,
		})
	}
}

func writeJSON(w io.Writer, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `capcore executes capabilities declared in manifest files.

Usage:
  capcore [global flags] <command> [args]

Global flags:
  --config <path>      YAML config file (repeatable)
  --manifests <paths>  Comma separated manifest files (repeatable)
  --timeout <dur>      Execution timeout (default 60s)
  --json               JSON output

Commands:
  list [--kind <kind>]
  describe <capability_id>
  exec <capability_id> [--args '{"k":"v"}'] [--arg k=v ...]
  audit [--capability <id>] [--status ok|error] [--route stateless|session] [--limit N]
                       (events persist across runs with audit.driver: sqlite)
  version

Environment:
  CAPCORE_*            Config overrides, e.g. CAPCORE_LOG_LEVEL=debug`)
}
