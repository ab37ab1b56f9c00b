package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// requestIDMetaKey carries the manager's request ID in _meta for correlation.
const requestIDMetaKey = "mcplink/requestId"

// ConnectorConfig configures the mcp-go backed connector.
type ConnectorConfig struct {
	Logger *slog.Logger

	// Logs receives stdio server stderr. Optional.
	Logs *LogCapture

	// ClientName and ClientVersion are sent in the initialize request.
	ClientName    string
	ClientVersion string
}

type mcpConnector struct {
	logger        *slog.Logger
	logs          *LogCapture
	clientName    string
	clientVersion string
}

// NewConnector returns a Connector that speaks MCP over stdio, SSE or streamable HTTP.
func NewConnector(cfg ConnectorConfig) Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcplink"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	return &mcpConnector{
		logger:        cfg.Logger,
		logs:          cfg.Logs,
		clientName:    cfg.ClientName,
		clientVersion: cfg.ClientVersion,
	}
}

// Connect starts the transport and runs the initialize handshake. ctx bounds
// the handshake only; the session lives until Close.
func (c *mcpConnector) Connect(ctx context.Context, cfg ServerConfig) (Client, Transport, error) {
	inner, err := newTransport(cfg.Transport)
	if err != nil {
		return nil, nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := client.NewClient(inner)
	if err := cl.Start(sessionCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to start %s transport: %w", cfg.Transport.Type, err)
	}

	if stdio, ok := inner.(*transport.Stdio); ok && c.logs != nil {
		if stderr := stdio.Stderr(); stderr != nil {
			go c.logs.Drain(cfg.Name, stderr, c.logger, cfg.Quiet)
		}
	}

	sess := NewSession(cl, cfg.Transport.Type, cancel)
	if err := sess.Initialize(ctx, c.clientName, c.clientVersion); err != nil {
		_ = sess.Close()
		return nil, nil, err
	}
	return sess, sess.transport, nil
}

// newTransport builds the mcp-go transport for cfg.
func newTransport(cfg TransportConfig) (transport.Interface, error) {
	switch cfg.Type {
	case TransportStdio:
		return transport.NewStdio(cfg.Command, cfg.Env, cfg.Args...), nil
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		t, err := transport.NewSSE(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE transport: %w", err)
		}
		return t, nil
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		t, err := transport.NewStreamableHTTP(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// sessionTransport owns the lifetime of an mcp-go transport.
type sessionTransport struct {
	kind   TransportType
	inner  transport.Interface
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (t *sessionTransport) Type() TransportType {
	return t.kind
}

func (t *sessionTransport) Close() error {
	t.once.Do(func() {
		t.err = t.inner.Close()
		if t.cancel != nil {
			t.cancel()
		}
	})
	return t.err
}

// Session adapts an mcp-go client to the Client interface.
type Session struct {
	inner     *client.Client
	transport *sessionTransport
}

// NewSession wraps a started mcp-go client. cancel, if set, runs on Close.
func NewSession(cl *client.Client, kind TransportType, cancel context.CancelFunc) *Session {
	return &Session{
		inner:     cl,
		transport: &sessionTransport{kind: kind, inner: cl.GetTransport(), cancel: cancel},
	}
}

// Transport returns the session's transport handle.
func (s *Session) Transport() Transport {
	return s.transport
}

// Initialize performs the initialize handshake.
func (s *Session) Initialize(ctx context.Context, name, ver string) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    name,
				Version: ver,
			},
		},
	}
	if _, err := s.inner.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	return nil
}

func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := s.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	res, err := s.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.inner.GetPrompt(ctx, req)
}

func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	res, err := s.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return s.inner.ReadResource(ctx, req)
}

// CallTool sends tools/call. A call carrying a RequestID goes out under that
// ID on the wire so a later notifications/cancelled names the same request.
func (s *Session) CallTool(ctx context.Context, call ToolCall) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{
		Name:      call.Name,
		Arguments: call.Arguments,
	}
	if call.ProgressToken != "" || call.RequestID != "" {
		meta := &mcp.Meta{}
		if call.ProgressToken != "" {
			meta.ProgressToken = call.ProgressToken
		}
		if call.RequestID != "" {
			meta.AdditionalFields = map[string]any{requestIDMetaKey: call.RequestID}
		}
		params.Meta = meta
	}
	if call.RequestID == "" {
		return s.inner.CallTool(ctx, mcp.CallToolRequest{Params: params})
	}

	resp, err := s.inner.GetTransport().SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(call.RequestID),
		Method:  string(mcp.MethodToolsCall),
		Params:  params,
	})
	if err != nil {
		return nil, transport.NewError(err)
	}
	if resp.Error != nil {
		return nil, resp.Error.AsError()
	}
	return mcp.ParseCallToolResult(&resp.Result)
}

func (s *Session) Capabilities() mcp.ServerCapabilities {
	return s.inner.GetServerCapabilities()
}

func (s *Session) Subscribe(ctx context.Context, uri string) error {
	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	return s.inner.Subscribe(ctx, req)
}

func (s *Session) Unsubscribe(ctx context.Context, uri string) error {
	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	return s.inner.Unsubscribe(ctx, req)
}

func (s *Session) OnNotification(handler func(mcp.JSONRPCNotification)) {
	s.inner.OnNotification(handler)
}

// NotifyCancelled sends notifications/cancelled for a request CallTool sent
// under requestID.
func (s *Session) NotifyCancelled(ctx context.Context, requestID, reason string) error {
	n := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: methodCancelled,
			Params: mcp.NotificationParams{
				AdditionalFields: map[string]any{
					"requestId": requestID,
					"reason":    reason,
				},
			},
		},
	}
	return s.inner.GetTransport().SendNotification(ctx, n)
}

func (s *Session) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close ends the session and its transport.
func (s *Session) Close() error {
	return s.transport.Close()
}
