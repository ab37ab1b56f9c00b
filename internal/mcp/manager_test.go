package mcp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplink "github.com/tombee/mcplink/internal/mcp"
	mcptest "github.com/tombee/mcplink/internal/mcp/testing"
)

func TestManager_AddServer(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)
	events := recordEvents(m)

	addServer(t, m, "files")

	state, err := m.ConnectionState("files")
	require.NoError(t, err)
	assert.Equal(t, mcplink.StateConnected, state)

	var ids []string
	for _, tool := range m.ListTools() {
		ids = append(ids, tool.ID.String())
	}
	assert.Equal(t, []string{"files.read_file", "files.write_file"}, ids)

	added := events.ofType(mcplink.EventServerAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "files", added[0].Server)
}

func TestManager_AddServer_AlreadyConnected(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)

	addServer(t, m, "files")
	addServer(t, m, "files")
	assert.Equal(t, 1, conn.Dials("files"))
}

func TestManager_AddServer_InvalidConfig(t *testing.T) {
	m := newTestManager(t, mcptest.NewMockConnector())

	tests := []struct {
		name string
		cfg  mcplink.ServerConfig
		want error
	}{
		{name: "bad name", cfg: stdioServer("1files"), want: mcplink.ErrInvalidIdentity},
		{
			name: "missing command",
			cfg:  mcplink.ServerConfig{Name: "files", Transport: mcplink.TransportConfig{Type: mcplink.TransportStdio}},
			want: mcplink.ErrConfig,
		},
		{
			name: "missing url",
			cfg:  mcplink.ServerConfig{Name: "remote", Transport: mcplink.TransportConfig{Type: mcplink.TransportHTTP}},
			want: mcplink.ErrConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddServer(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, m.ListServers())
}

func TestManager_ConcurrentAddShareOneAttempt(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	release := conn.Hold()
	m := newTestManager(t, conn)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.AddServer(context.Background(), stdioServer("files"))
		}()
	}

	requireState(t, m, "files", mcplink.StateConnecting)
	release()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, conn.Dials("files"))
	requireState(t, m, "files", mcplink.StateConnected)
}

func TestManager_ConcurrentAddShareFailure(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	conn.FailNext("files", errors.New("spawn failed"))
	release := conn.Hold()
	m := newTestManager(t, conn)

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.AddServer(context.Background(), stdioServer("files"))
		}()
	}
	requireState(t, m, "files", mcplink.StateConnecting)
	release()
	wg.Wait()

	// Late arrivals may find the server failed and dial again; every caller
	// that joined the first attempt sees its error.
	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, mcplink.ErrTransport)
			assert.Contains(t, err.Error(), "failed to connect")
			failures++
		}
	}
	assert.Positive(t, failures)
}

func TestManager_AddServer_CallerContextDoesNotAbortDial(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	release := conn.Hold()
	m := newTestManager(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.AddServer(ctx, stdioServer("files"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	requireState(t, m, "files", mcplink.StateConnected)
}

func TestManager_RemoveServer(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	m := newTestManager(t, conn)
	events := recordEvents(m)
	addServer(t, m, "files")

	require.NoError(t, m.RemoveServer(context.Background(), "files"))

	assert.True(t, client.IsClosed())
	assert.Empty(t, m.ListServers())
	assert.Empty(t, m.ListTools())
	assert.True(t, events.has(mcplink.EventServerRemoved))

	_, err := m.ConnectionState("files")
	assert.ErrorIs(t, err, mcplink.ErrNotFound)

	_, err = m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrNotFound)

	err = m.RemoveServer(context.Background(), "files")
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
}

func TestManager_RemoveServer_WhileConnecting(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	release := conn.Hold()
	m := newTestManager(t, conn)

	addErr := make(chan error, 1)
	go func() { addErr <- m.AddServer(context.Background(), stdioServer("files")) }()
	requireState(t, m, "files", mcplink.StateConnecting)

	err := m.RemoveServer(context.Background(), "files")
	assert.ErrorIs(t, err, mcplink.ErrStateConflict)

	release()
	require.NoError(t, <-addErr)
	requireState(t, m, "files", mcplink.StateConnected)
}

func TestManager_RegisterAndConnect(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)
	ctx := context.Background()

	require.NoError(t, m.RegisterServer(ctx, stdioServer("files")))
	state, err := m.ConnectionState("files")
	require.NoError(t, err)
	assert.Equal(t, mcplink.StateIdle, state)
	assert.Zero(t, conn.Dials("files"))
	assert.Empty(t, m.ListTools())

	require.NoError(t, m.ConnectServer(ctx, "files"))
	requireState(t, m, "files", mcplink.StateConnected)

	err = m.RegisterServer(ctx, stdioServer("files"))
	assert.ErrorIs(t, err, mcplink.ErrStateConflict)

	err = m.ConnectServer(ctx, "unknown")
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
}

func TestManager_ToolFilters(t *testing.T) {
	conn := mcptest.NewMockConnector()
	conn.AddClient("files", mcptest.NewMockClient(
		mcptest.Tool("read_file"),
		mcptest.Tool("read_dir"),
		mcptest.Tool("write_file"),
		mcptest.Tool("delete_file"),
	))
	m := newTestManager(t, conn)

	cfg := stdioServer("files")
	cfg.AllowedTools = []string{"read_*", "write_file"}
	cfg.BlockedTools = []string{"read_dir"}
	require.NoError(t, m.AddServer(context.Background(), cfg))

	tools, err := m.ServerTools("files")
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"read_file", "write_file"}, names)

	_, err = m.CallTool(context.Background(), "files.delete_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
}

func TestManager_StatusCounts(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	conn.AddClient("search", mcptest.NewMockClient())
	conn.FailNext("broken", errors.New("no such command"))
	m := newTestManager(t, conn)
	ctx := context.Background()

	addServer(t, m, "files")
	addServer(t, m, "search")
	require.Error(t, m.AddServer(ctx, stdioServer("broken")))
	require.NoError(t, m.RegisterServer(ctx, stdioServer("later")))

	assert.Equal(t, mcplink.StatusCounts{Idle: 1, Connected: 2, Failed: 1, Total: 4}, m.StatusCounts())
	assert.Equal(t, []string{"broken", "files", "later", "search"}, m.ListServers())

	st, err := m.ServerStatus("broken")
	require.NoError(t, err)
	assert.Equal(t, mcplink.StateFailed, st.State)
	assert.Contains(t, st.Error, "no such command")

	st, err = m.ServerStatus("files")
	require.NoError(t, err)
	assert.Equal(t, 2, st.ToolCount)
	assert.Equal(t, mcplink.TransportStdio, st.Transport)
	assert.False(t, st.Since.IsZero())
	assert.Positive(t, m.Uptime("files"))
	assert.Zero(t, m.Uptime("broken"))

	statuses := m.ConnectionStatus()
	require.Len(t, statuses, 4)
	assert.Equal(t, "broken", statuses[0].Name)
}
