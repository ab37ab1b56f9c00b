package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenMeta struct {
	mu        sync.Mutex
	token     any
	requestID any
	wireID    any
	cancelled map[string]any
}

func (s *seenMeta) snapshot() (any, any, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.requestID, s.cancelled
}

func (s *seenMeta) lastWireID() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireID
}

func newInProcessSession(t *testing.T) (*Session, *seenMeta) {
	t.Helper()

	seen := &seenMeta{}
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest) {
		seen.mu.Lock()
		seen.wireID = id
		seen.mu.Unlock()
	})
	srv := server.NewMCPServer("test", "1.0",
		server.WithHooks(hooks),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	srv.AddTool(mcp.NewTool("echo", mcp.WithString("text")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if req.Params.Meta != nil {
				seen.mu.Lock()
				seen.token = req.Params.Meta.ProgressToken
				seen.requestID = req.Params.Meta.AdditionalFields[requestIDMetaKey]
				seen.mu.Unlock()
			}
			return mcp.NewToolResultText(req.GetString("text", "")), nil
		})

	srv.AddPrompt(mcp.NewPrompt("greet",
		mcp.WithPromptDescription("Say hello"),
		mcp.WithArgument("name", mcp.RequiredArgument()),
	), func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return mcp.NewGetPromptResult("greeting", []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent("hello "+req.Params.Arguments["name"])),
		}), nil
	})

	srv.AddResource(mcp.NewResource("file:///readme", "readme", mcp.WithMIMEType("text/plain")),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: "read me"},
			}, nil
		})

	srv.AddNotificationHandler(methodCancelled, func(ctx context.Context, n mcp.JSONRPCNotification) {
		seen.mu.Lock()
		seen.cancelled = n.Params.AdditionalFields
		seen.mu.Unlock()
	})

	cl, err := client.NewInProcessClient(srv)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cl.Start(ctx))

	sess := NewSession(cl, TransportStdio, nil)
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, sess.Initialize(ctx, "mcplink", "test"))
	return sess, seen
}

func TestSession_InProcessServer(t *testing.T) {
	sess, seen := newInProcessSession(t)
	ctx := context.Background()

	t.Run("capabilities", func(t *testing.T) {
		caps := sess.Capabilities()
		assert.NotNil(t, caps.Tools)
		assert.NotNil(t, caps.Prompts)
		assert.NotNil(t, caps.Resources)
		assert.Equal(t, TransportStdio, sess.Transport().Type())
	})

	t.Run("tools", func(t *testing.T) {
		tools, err := sess.ListTools(ctx)
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, "echo", tools[0].Name)

		res, err := sess.CallTool(ctx, ToolCall{
			Name:          "echo",
			Arguments:     map[string]any{"text": "hi"},
			ProgressToken: "tok-1",
			RequestID:     "req-1",
		})
		require.NoError(t, err)
		require.Len(t, res.Content, 1)
		text, ok := res.Content[0].(mcp.TextContent)
		require.True(t, ok)
		assert.Equal(t, "hi", text.Text)

		token, requestID, _ := seen.snapshot()
		assert.EqualValues(t, "tok-1", token)
		assert.Equal(t, "req-1", requestID)
		assert.Equal(t, "req-1", seen.lastWireID())
	})

	t.Run("prompts", func(t *testing.T) {
		prompts, err := sess.ListPrompts(ctx)
		require.NoError(t, err)
		require.Len(t, prompts, 1)
		assert.Equal(t, "greet", prompts[0].Name)

		res, err := sess.GetPrompt(ctx, "greet", map[string]string{"name": "ada"})
		require.NoError(t, err)
		require.Len(t, res.Messages, 1)
		text, ok := res.Messages[0].Content.(mcp.TextContent)
		require.True(t, ok)
		assert.Equal(t, "hello ada", text.Text)
	})

	t.Run("resources", func(t *testing.T) {
		resources, err := sess.ListResources(ctx)
		require.NoError(t, err)
		require.Len(t, resources, 1)
		assert.Equal(t, "file:///readme", resources[0].URI)

		res, err := sess.ReadResource(ctx, "file:///readme")
		require.NoError(t, err)
		require.Len(t, res.Contents, 1)
		text, ok := res.Contents[0].(mcp.TextResourceContents)
		require.True(t, ok)
		assert.Equal(t, "read me", text.Text)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, sess.Ping(ctx))
	})

	t.Run("cancel notice", func(t *testing.T) {
		require.NoError(t, sess.NotifyCancelled(ctx, "req-9", "user interrupt"))
		assert.Eventually(t, func() bool {
			_, _, fields := seen.snapshot()
			return fields["requestId"] == "req-9" && fields["reason"] == "user interrupt"
		}, time.Second, 10*time.Millisecond)
	})
}

func TestSession_CancelNoticeNamesWireRequest(t *testing.T) {
	sess, seen := newInProcessSession(t)
	ctx := context.Background()

	_, err := sess.CallTool(ctx, ToolCall{Name: "echo", Arguments: map[string]any{"text": "slow"}, RequestID: "req-7"})
	require.NoError(t, err)
	wireID := seen.lastWireID()
	require.NotNil(t, wireID)

	require.NoError(t, sess.NotifyCancelled(ctx, "req-7", "user interrupt"))
	require.Eventually(t, func() bool {
		_, _, fields := seen.snapshot()
		return fields != nil
	}, time.Second, 10*time.Millisecond)
	_, _, fields := seen.snapshot()
	assert.Equal(t, wireID, fields["requestId"])
}

func TestSession_CallToolWithoutRequestID(t *testing.T) {
	sess, seen := newInProcessSession(t)

	res, err := sess.CallTool(context.Background(), ToolCall{Name: "echo", Arguments: map[string]any{"text": "plain"}})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.IsType(t, float64(0), seen.lastWireID(), "mcp-go numbers its own requests")
}

func TestSession_CallToolServerError(t *testing.T) {
	sess, _ := newInProcessSession(t)

	_, err := sess.CallTool(context.Background(), ToolCall{Name: "missing", RequestID: "req-8"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrInvalidParams)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	sess, _ := newInProcessSession(t)

	first := sess.Close()
	second := sess.Transport().Close()
	assert.Equal(t, first, second)
}

func TestSession_CloseRunsCancel(t *testing.T) {
	srv := server.NewMCPServer("test", "1.0")
	cl, err := client.NewInProcessClient(srv)
	require.NoError(t, err)
	require.NoError(t, cl.Start(context.Background()))

	calls := 0
	sess := NewSession(cl, TransportHTTP, func() { calls++ })
	_ = sess.Close()
	_ = sess.Close()
	assert.Equal(t, 1, calls)
}

func TestNewTransport(t *testing.T) {
	t.Run("stdio", func(t *testing.T) {
		tr, err := newTransport(TransportConfig{Type: TransportStdio, Command: "true"})
		require.NoError(t, err)
		_, ok := tr.(*transport.Stdio)
		assert.True(t, ok)
	})

	t.Run("http", func(t *testing.T) {
		tr, err := newTransport(TransportConfig{
			Type:    TransportHTTP,
			URL:     "http://127.0.0.1:1/mcp",
			Headers: map[string]string{"Authorization": "Bearer x"},
		})
		require.NoError(t, err)
		_, ok := tr.(*transport.StreamableHTTP)
		assert.True(t, ok)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := newTransport(TransportConfig{Type: "carrier-pigeon"})
		assert.ErrorContains(t, err, "unsupported transport type")
	})
}
