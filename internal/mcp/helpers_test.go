package mcp_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mcplink "github.com/tombee/mcplink/internal/mcp"
	mcptest "github.com/tombee/mcplink/internal/mcp/testing"
	"github.com/tombee/mcplink/internal/tokens"
)

const settle = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager builds a manager over conn with health checks and
// reconnection off unless opts turn them on.
func newTestManager(t *testing.T, conn *mcptest.MockConnector, opts ...func(*mcplink.ManagerConfig)) *mcplink.Manager {
	t.Helper()
	cfg := mcplink.ManagerConfig{
		Logger:              discardLogger(),
		Connector:           conn,
		TokenCounter:        tokens.Estimator{},
		HealthCheckInterval: -1,
	}
	for _, o := range opts {
		o(&cfg)
	}
	m := mcplink.NewManager(cfg)
	t.Cleanup(func() { _ = m.Dispose(context.Background()) })
	return m
}

func withReconnect(initial time.Duration, retries int) func(*mcplink.ManagerConfig) {
	return func(c *mcplink.ManagerConfig) {
		c.Reconnect = mcplink.ReconnectPolicy{
			Enabled:      true,
			InitialDelay: initial,
			MaxDelay:     4 * initial,
			Multiplier:   2,
			MaxRetries:   retries,
		}
	}
}

func stdioServer(name string) mcplink.ServerConfig {
	return mcplink.ServerConfig{
		Name: name,
		Transport: mcplink.TransportConfig{
			Type:    mcplink.TransportStdio,
			Command: name + "-server",
		},
	}
}

// filesServer registers a "files" mock offering read_file and write_file.
func filesServer(conn *mcptest.MockConnector) *mcptest.MockClient {
	client := mcptest.NewMockClient(mcptest.Tool("read_file"), mcptest.Tool("write_file"))
	conn.AddClient("files", client)
	return client
}

func addServer(t *testing.T, m *mcplink.Manager, name string) {
	t.Helper()
	require.NoError(t, m.AddServer(context.Background(), stdioServer(name)))
}

func requireState(t *testing.T, m *mcplink.Manager, name string, want mcplink.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := m.ConnectionState(name)
		return err == nil && got == want
	}, settle, 5*time.Millisecond, "server %s never reached %s", name, want)
}

// eventLog records every event the manager emits.
type eventLog struct {
	mu     sync.Mutex
	events []mcplink.Event
}

func recordEvents(m *mcplink.Manager) *eventLog {
	l := &eventLog{}
	m.Subscribe(func(e mcplink.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) ofType(t mcplink.EventType) []mcplink.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []mcplink.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) has(t mcplink.EventType) bool {
	return len(l.ofType(t)) > 0
}

func (l *eventLog) waitFor(t *testing.T, typ mcplink.EventType) mcplink.Event {
	t.Helper()
	require.Eventually(t, func() bool { return l.has(typ) }, settle, 5*time.Millisecond, "no %s event", typ)
	return l.ofType(typ)[0]
}
