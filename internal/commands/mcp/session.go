// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/mcplink/internal/commands/shared"
	"github.com/tombee/mcplink/internal/history"
	"github.com/tombee/mcplink/internal/log"
	mcplink "github.com/tombee/mcplink/internal/mcp"
	"github.com/tombee/mcplink/internal/mcp/progress"
	"github.com/tombee/mcplink/internal/secrets"
	"github.com/tombee/mcplink/internal/tokens"
	"github.com/tombee/mcplink/internal/tracing"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

// closeTimeout bounds shutdown once a command has finished.
const closeTimeout = 10 * time.Second

// connectorOverride replaces the mcp-go connector in tests.
var connectorOverride mcplink.Connector

// session is the per-invocation wiring shared by every command.
type session struct {
	logger   *slog.Logger
	registry *mcplink.Registry
	manager  *mcplink.Manager
	history  *history.Store
	tracing  *tracing.Provider
	progress *progress.Tracker
}

type sessionOptions struct {
	// servers limits the session to these servers, dialing each even when
	// auto_connect is off. Empty means every configured server.
	servers []string

	// watch keeps the config path on the registry so it can be reloaded.
	watch bool

	// healthChecks keeps the health monitor running. One-shot commands
	// finish long before the first check.
	healthChecks bool

	// history opens the call history store even when recording is disabled.
	history bool

	// lenient keeps the session open when a named server fails to connect.
	lenient bool

	// logLevel is the default log level. Empty means warn.
	logLevel string
}

// newLogger builds the command logger. defaultLevel applies when neither the
// environment nor --verbose/--quiet chooses one.
func newLogger(defaultLevel string) *slog.Logger {
	cfg := log.FromEnv()
	if os.Getenv("MCPLINK_DEBUG") == "" && os.Getenv("MCPLINK_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		cfg.Level = defaultLevel
	}
	if level, ok := shared.LogLevel(); ok {
		cfg.Level = level.String()
	}
	return log.New(cfg)
}

func configPath() (string, error) {
	if p := shared.GetConfigPath(); p != "" {
		return p, nil
	}
	return mcplink.ConfigPath()
}

// openSession loads mcp.yaml and builds the manager and its collaborators.
// The caller must Close the session.
func openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	if opts.logLevel == "" {
		opts.logLevel = "warn"
	}
	logger := newLogger(opts.logLevel)

	path, err := configPath()
	if err != nil {
		return nil, shared.NewConfigError("failed to locate mcp.yaml", err)
	}
	cfg, err := mcplink.LoadConfig(path)
	if err != nil {
		return nil, shared.NewConfigError("failed to load MCP configuration", err)
	}
	if len(opts.servers) > 0 {
		if cfg, err = restrict(cfg, opts.servers); err != nil {
			return nil, err
		}
	}

	s := &session{logger: logger}

	v, _, _ := shared.GetVersion()
	s.tracing, err = tracing.Setup(ctx, tracing.Config{
		ServiceVersion: v,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, shared.NewConfigError("failed to set up tracing", err)
	}

	if cfg.History.Enabled || opts.history {
		s.history, err = history.Open(history.Config{Path: cfg.History.Path})
		if err != nil {
			s.Close()
			return nil, pkgerrors.Wrap(err, "failed to open call history")
		}
	}

	logs := mcplink.NewLogCapture(mcplink.DefaultLogLines)
	s.progress = progress.NewTracker(logger)
	base := mcplink.DefaultManagerConfig()
	base.Logger = logger
	base.Logs = logs
	base.Progress = s.progress
	base.TokenCounter = tokens.NewCounter(cfg.Manager.Output.Encoding, logger)
	base.Connector = mcplink.NewConnector(mcplink.ConnectorConfig{
		Logger:        log.WithComponent(logger, "connector"),
		Logs:          logs,
		ClientVersion: v,
	})
	if connectorOverride != nil {
		base.Connector = connectorOverride
	}
	if cfg.History.Enabled && s.history != nil {
		base.Recorder = s.history
	}
	if !opts.healthChecks {
		base.HealthCheckInterval = -1
	}

	rc := mcplink.RegistryConfig{
		Config:   cfg,
		Resolver: secrets.Default(),
		Manager:  base,
		Logger:   logger,
	}
	if opts.watch {
		rc.Path = path
	}
	s.registry, err = mcplink.NewRegistry(rc)
	if err != nil {
		s.Close()
		return nil, shared.NewConfigError("invalid MCP configuration", err)
	}
	s.manager = s.registry.Manager()

	if err := s.registry.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	for _, name := range opts.servers {
		err := s.ensureConnected(ctx, name)
		switch {
		case err == nil:
		case opts.lenient:
			logger.Debug("server did not connect", "server", name, "error", err)
		default:
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// ensureConnected dials name if it has not been dialed yet and reports the
// last error when it is not connected.
func (s *session) ensureConnected(ctx context.Context, name string) error {
	state, err := s.manager.ConnectionState(name)
	if err != nil {
		return err
	}
	if state == mcplink.StateIdle || state == mcplink.StateFailed {
		return s.manager.ConnectServer(ctx, name)
	}
	return nil
}

// restrict returns a copy of cfg holding only the named servers.
func restrict(cfg *mcplink.Config, names []string) (*mcplink.Config, error) {
	out := *cfg
	out.Servers = make(map[string]*mcplink.ServerEntry, len(names))
	for _, name := range names {
		entry, ok := cfg.Servers[name]
		if !ok {
			return nil, mcplink.NewMCPError(mcplink.ErrorCodeNotFound, fmt.Sprintf("MCP server '%s' not found", name)).
				WithCause(&pkgerrors.NotFoundError{Resource: "MCP server", ID: name}).
				WithSuggestions("Check the server name: mcplink servers", "Add the server to mcp.yaml")
		}
		out.Servers[name] = entry
	}
	return &out, nil
}

// Close disposes the manager and flushes history and traces.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if s.registry != nil {
		errs = append(errs, s.registry.Stop(ctx))
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	if s.tracing != nil {
		errs = append(errs, s.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
