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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
	"github.com/tombee/mcplink/internal/log"
	mcplink "github.com/tombee/mcplink/internal/mcp"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

// DefaultMetricsAddr is where serve exposes /metrics unless told otherwise.
const DefaultMetricsAddr = "127.0.0.1:9464"

func newServeCommand() *cobra.Command {
	var (
		addr    string
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep MCP servers connected and report their health",
		Long: `Connect every configured server and keep the connections alive until
interrupted. Dropped servers are reconnected with backoff and connected
servers are health checked periodically.

Edits to mcp.yaml are applied without a restart: removed servers are
disconnected, new ones are connected and changed ones are replaced.

Prometheus metrics are served on /metrics and a status summary on /healthz.
Events are printed as they happen (one JSON object per line with --json).`,
		Example: `  # Example 1: Run with the default metrics address
  mcplink serve

  # Example 2: Expose metrics on all interfaces
  mcplink serve --metrics-addr :9464

  # Example 3: Disable the HTTP endpoint
  mcplink serve --metrics-addr ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), addr, !noWatch)
		},
	}

	cmd.Flags().StringVar(&addr, "metrics-addr", DefaultMetricsAddr, "Address for /metrics and /healthz (empty disables)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload mcp.yaml when it changes")

	return cmd
}

func runServe(ctx context.Context, out io.Writer, addr string, watch bool) error {
	s, err := openSession(ctx, sessionOptions{watch: watch, healthChecks: true, logLevel: "info"})
	if err != nil {
		return err
	}
	defer s.Close()

	printer := newEventPrinter(out, shared.GetJSON())
	unsubscribe := s.manager.Subscribe(printer.print)
	defer unsubscribe()

	if watch {
		w, err := mcplink.NewWatcher(mcplink.WatcherConfig{
			Target: s.registry,
			Logger: log.WithComponent(s.logger, "watcher"),
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	errCh := make(chan error, 1)
	if addr != "" {
		srv, ln, err := listen(addr, newServeHandler(s.manager, s.logger))
		if err != nil {
			return err
		}
		s.logger.Info("serving metrics", "addr", ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	c := s.manager.StatusCounts()
	s.logger.Info("mcplink ready", "servers", c.Total, "connected", c.Connected, "failed", c.Failed)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return pkgerrors.Wrap(err, "metrics server failed")
	}
}

func listen(addr string, h http.Handler) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to listen on %s", addr)
	}
	return &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}, ln, nil
}

// newServeHandler routes /metrics and /healthz through the request logger.
func newServeHandler(m *mcplink.Manager, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		counts := m.StatusCounts()
		w.Header().Set("Content-Type", "application/json")
		if counts.Total > 0 && counts.Connected == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Counts  mcplink.StatusCounts   `json:"counts"`
			Servers []mcplink.ServerStatus `json:"servers"`
		}{counts, m.ConnectionStatus()})
	})
	return log.HTTPMiddleware(log.WithComponent(logger, "http"), mux)
}

// eventPrinter writes manager events to the command output.
type eventPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func newEventPrinter(out io.Writer, asJSON bool) *eventPrinter {
	return &eventPrinter{out: out, json: asJSON}
}

func (p *eventPrinter) print(e mcplink.Event) {
	// progress is per-call noise for a long-running process
	if e.Type == mcplink.EventProgress {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.out).Encode(e)
		return
	}

	symbol := shared.StatusInfo.Render(shared.SymbolInfo)
	switch e.Type {
	case mcplink.EventServerAdded, mcplink.EventReconnectSucceeded:
		symbol = shared.StatusOK.Render(shared.SymbolOK)
	case mcplink.EventServerError, mcplink.EventReconnectFailed, mcplink.EventServerUnhealthy,
		mcplink.EventTokenLimitExceeded, mcplink.EventSchemaValidationError:
		symbol = shared.StatusError.Render(shared.SymbolError)
	case mcplink.EventReconnectScheduled, mcplink.EventTokenWarning:
		symbol = shared.StatusWarn.Render(shared.SymbolWarn)
	}

	subject := e.Server
	if e.Tool != "" {
		subject = e.Tool
	}
	fmt.Fprintf(p.out, "%s %s %-24s %-16s %s\n",
		shared.Muted.Render(e.Timestamp.Local().Format("15:04:05")),
		symbol,
		e.Type,
		subject,
		e.Message,
	)
}
