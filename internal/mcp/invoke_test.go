package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplink "github.com/tombee/mcplink/internal/mcp"
	"github.com/tombee/mcplink/internal/mcp/progress"
	mcptest "github.com/tombee/mcplink/internal/mcp/testing"
	"github.com/tombee/mcplink/internal/tokens"
)

// memoryRecorder keeps call records in memory.
type memoryRecorder struct {
	mu      sync.Mutex
	records []mcplink.CallRecord
}

func (r *memoryRecorder) RecordCall(_ context.Context, rec mcplink.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memoryRecorder) all() []mcplink.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mcplink.CallRecord(nil), r.records...)
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "first content block is not text")
	return tc.Text
}

func TestCallTool(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	rec := &memoryRecorder{}
	m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) { c.Recorder = rec })
	addServer(t, m, "files")

	res, err := m.CallTool(context.Background(), "files.read_file", map[string]any{"path": "/tmp/a"}, mcplink.CallOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, textOf(t, res.Result))
	assert.False(t, res.Truncated)
	assert.False(t, res.Cancelled)
	assert.Nil(t, res.Validation)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.NotEmpty(t, calls[0].RequestID)
	assert.Empty(t, calls[0].ProgressToken)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "files", records[0].Server)
	assert.Equal(t, "read_file", records[0].Tool)
	assert.Equal(t, mcplink.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, calls[0].RequestID, records[0].RequestID)
}

func TestCallTool_NotFound(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)
	addServer(t, m, "files")
	ctx := context.Background()

	_, err := m.CallTool(ctx, "files.missing", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrNotFound)

	_, err = m.CallTool(ctx, "nowhere.read_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrNotFound)

	_, err = m.CallTool(ctx, "read_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrInvalidIdentity)
}

func TestCallTool_NotConnected(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)
	require.NoError(t, m.RegisterServer(context.Background(), stdioServer("files")))

	_, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrNotFound, "an idle server offers no tools")
}

func TestCallTool_SanitizesArguments(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	for _, args := range []any{"just a string", []string{"a", "b"}, 3.14, nil} {
		_, err := m.CallTool(context.Background(), "files.read_file", args, mcplink.CallOptions{})
		require.NoError(t, err)
	}
	for i, call := range client.Calls() {
		assert.Equal(t, map[string]any{}, call.Arguments, "call %d", i)
	}
}

func TestCallTool_Timeout(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallDelay(time.Second)
	m := newTestManager(t, conn)

	cfg := stdioServer("files")
	cfg.Timeout = 20 * time.Millisecond
	require.NoError(t, m.AddServer(context.Background(), cfg))

	start := time.Now()
	_, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// A per-call timeout wins over the server's.
	client.SetCallDelay(50 * time.Millisecond)
	_, err = m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{Timeout: time.Second})
	assert.NoError(t, err)
}

func TestCallTool_ToolError(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("file not found"), nil
	})
	rec := &memoryRecorder{}
	m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) { c.Recorder = rec })
	addServer(t, m, "files")

	res, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.NoError(t, err, "a tool-level error is a result, not a failure")
	assert.True(t, res.Result.IsError)
	assert.Equal(t, "file not found", textOf(t, res.Result))
	require.Len(t, rec.all(), 1)
	assert.Equal(t, mcplink.OutcomeToolError, rec.all()[0].Outcome)
}

func TestCallTool_InterruptedByDisconnection(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		if err := m.RemoveServer(context.Background(), "files"); err != nil {
			return nil, err
		}
		return nil, errors.New("transport closed")
	})

	_, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrDisconnected)
	assert.Contains(t, err.Error(), "interrupted by disconnection")
}

func TestCallTool_RateLimit(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)

	cfg := stdioServer("files")
	cfg.RateLimit = 1
	require.NoError(t, m.AddServer(context.Background(), cfg))

	_, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.CallTool(ctx, "files.read_file", nil, mcplink.CallOptions{})
	assert.ErrorIs(t, err, mcplink.ErrTransport)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestCallTool_TruncatesLargeOutput(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	big := strings.Repeat("lorem ipsum ", 1000)
	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(big), nil
	})
	m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) {
		c.MaxOutputTokens = 200
		c.WarnOutputTokens = 100
	})
	events := recordEvents(m)
	addServer(t, m, "files")

	res, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, tokens.Estimate(big), res.Tokens)

	text := textOf(t, res.Result)
	assert.LessOrEqual(t, tokens.Estimate(text), 200)
	assert.Contains(t, text, "[Output truncated:")
	assert.True(t, strings.HasPrefix(text, "lorem ipsum"))

	exceeded := events.ofType(mcplink.EventTokenLimitExceeded)
	require.Len(t, exceeded, 1)
	assert.Equal(t, "files.read_file", exceeded[0].Tool)
	assert.False(t, events.has(mcplink.EventTokenWarning))
}

func TestCallTool_TokenWarning(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(strings.Repeat("x", 600)), nil
	})
	m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) {
		c.MaxOutputTokens = 200
		c.WarnOutputTokens = 100
	})
	events := recordEvents(m)
	addServer(t, m, "files")

	res, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, 150, res.Tokens)

	warnings := events.ofType(mcplink.EventTokenWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 150, warnings[0].Details["tokens"])
	assert.False(t, events.has(mcplink.EventTokenLimitExceeded))
}

func TestCallTool_OutputSchemaValidation(t *testing.T) {
	counter := mcptest.Tool("count")
	counter.RawOutputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`)

	tests := []struct {
		name      string
		output    *mcp.CallToolResult
		opts      mcplink.CallOptions
		wantValid *bool
		wantEvent bool
	}{
		{
			name:      "structured content matches",
			output:    mcp.NewToolResultStructured(map[string]any{"count": 3}, `{"count":3}`),
			wantValid: ptr(true),
		},
		{
			name:      "json text mismatch",
			output:    mcp.NewToolResultText(`{"count":"three"}`),
			wantValid: ptr(false),
			wantEvent: true,
		},
		{
			name:      "plain text mismatch",
			output:    mcp.NewToolResultText("three"),
			wantValid: ptr(false),
			wantEvent: true,
		},
		{
			name:   "tool errors are not validated",
			output: mcp.NewToolResultError("boom"),
		},
		{
			name:   "validation skipped",
			output: mcp.NewToolResultText(`{"count":"three"}`),
			opts:   mcplink.CallOptions{SkipOutputValidation: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := mcptest.NewMockConnector()
			client := mcptest.NewMockClient(counter)
			client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
				return tt.output, nil
			})
			conn.AddClient("stats", client)
			m := newTestManager(t, conn)
			events := recordEvents(m)
			addServer(t, m, "stats")

			res, err := m.CallTool(context.Background(), "stats.count", nil, tt.opts)
			require.NoError(t, err, "validation failures never fail the call")
			require.NotNil(t, res.Result)

			if tt.wantValid == nil {
				assert.Nil(t, res.Validation)
			} else {
				require.NotNil(t, res.Validation)
				assert.Equal(t, *tt.wantValid, res.Validation.Valid())
			}
			assert.Equal(t, tt.wantEvent, events.has(mcplink.EventSchemaValidationError))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestCallToolWithProgress(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		for i := 1; i <= 3; i++ {
			client.Notify("notifications/progress", map[string]any{
				"progressToken": call.ProgressToken,
				"progress":      float64(i),
				"total":         3.0,
			})
		}
		// A stray token must not reach this caller.
		client.Notify("notifications/progress", map[string]any{"progressToken": "someone-else", "progress": 1.0})
		return mcp.NewToolResultText("done"), nil
	})
	m := newTestManager(t, conn)
	events := recordEvents(m)
	addServer(t, m, "files")

	var (
		mu      sync.Mutex
		updates []progress.Update
	)
	res, err := m.CallToolWithProgress(context.Background(), "files.read_file", nil, mcplink.CallOptions{},
		func(u progress.Update) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Equal(t, "done", textOf(t, res.Result))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 3)
	assert.Equal(t, float64(3), updates[2].Progress)
	assert.Equal(t, float64(3), updates[2].Total)
	assert.Equal(t, "files", updates[0].Server)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ProgressToken)
	assert.Len(t, events.ofType(mcplink.EventProgress), 4)
}

func TestCallToolCancellable_Cancel(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallDelay(5 * time.Second)
	rec := &memoryRecorder{}
	m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) { c.Recorder = rec })
	addServer(t, m, "files")

	call, err := m.CallToolCancellable(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(client.Calls()) == 1 }, settle, time.Millisecond)

	assert.True(t, call.Cancel("user interrupt"))
	assert.False(t, call.Cancel("again"), "a request is cancelled at most once")

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	res, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "user interrupt", res.CancelReason)
	assert.Nil(t, res.Result)

	require.Eventually(t, func() bool { return len(client.Cancelled()) == 1 }, settle, time.Millisecond)
	assert.Equal(t, call.ID(), client.Cancelled()[0])
	assert.Equal(t, call.ID(), client.Calls()[0].RequestID)

	require.Len(t, rec.all(), 1)
	assert.Equal(t, mcplink.OutcomeCancelled, rec.all()[0].Outcome)
}

func TestCallToolCancellable_Completes(t *testing.T) {
	conn := mcptest.NewMockConnector()
	filesServer(conn)
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	call, err := m.CallToolCancellable(context.Background(), "files.read_file", map[string]any{"path": "a"}, mcplink.CallOptions{})
	require.NoError(t, err)

	select {
	case <-call.Done():
	case <-time.After(settle):
		t.Fatal("call did not settle")
	}
	res, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.JSONEq(t, `{"path":"a"}`, textOf(t, res.Result))
	assert.False(t, call.Cancel("too late"))
	assert.False(t, m.CancelRequest(call.ID(), "too late"))
}

func TestCancelAllRequests(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallDelay(5 * time.Second)
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	var calls []*mcplink.PendingCall
	for i := 0; i < 3; i++ {
		c, err := m.CallToolCancellable(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
		require.NoError(t, err)
		calls = append(calls, c)
	}

	assert.Equal(t, 3, m.CancelAllRequests("shutdown"))
	for _, c := range calls {
		res, err := c.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Cancelled)
		assert.Equal(t, "shutdown", res.CancelReason)
	}
	assert.Zero(t, m.CancelAllRequests("again"))
}

func TestCallToolCancellable_SessionCancelled(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"context canceled", context.Canceled, "context canceled"},
		{"request interrupted", fmt.Errorf("%w: client went away", mcp.ErrRequestInterrupted), "request interrupted: client went away"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := mcptest.NewMockConnector()
			client := filesServer(conn)
			client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
				return nil, tt.err
			})
			rec := &memoryRecorder{}
			m := newTestManager(t, conn, func(c *mcplink.ManagerConfig) { c.Recorder = rec })
			addServer(t, m, "files")

			call, err := m.CallToolCancellable(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), settle)
			defer cancel()
			res, err := call.Wait(ctx)
			require.NoError(t, err)
			assert.True(t, res.Cancelled)
			assert.Equal(t, tt.reason, res.CancelReason)
			assert.Nil(t, res.Result)

			require.Len(t, rec.all(), 1)
			assert.Equal(t, mcplink.OutcomeCancelled, rec.all()[0].Outcome)
			assert.Empty(t, client.Cancelled(), "nothing to tell a server that already gave up")
		})
	}
}

func TestCallTool_SessionCancelledIsAnError(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return nil, context.Canceled
	})
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	_, err := m.CallTool(context.Background(), "files.read_file", nil, mcplink.CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallToolCancellable_TimeoutIsAnError(t *testing.T) {
	conn := mcptest.NewMockConnector()
	client := filesServer(conn)
	client.SetCallDelay(time.Second)
	m := newTestManager(t, conn)
	addServer(t, m, "files")

	call, err := m.CallToolCancellable(context.Background(), "files.read_file", nil, mcplink.CallOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = call.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
