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

// Package testing provides in-memory MCP clients and connectors for tests.
package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	mcplink "github.com/tombee/mcplink/internal/mcp"
)

// MockClient implements mcp.Client for testing.
type MockClient struct {
	mu           sync.RWMutex
	tools        []mcp.Tool
	prompts      []mcp.Prompt
	resources    []mcp.Resource
	capabilities mcp.ServerCapabilities
	callFunc     func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error)
	listErr      error
	pingErr      error
	callDelay    time.Duration
	listDelay    time.Duration
	handler      func(mcp.JSONRPCNotification)

	calls      []mcplink.ToolCall
	cancelled  []string
	subscribed []string
	closed     atomic.Bool
	closeCount atomic.Int32
}

// NewMockClient creates a mock client offering tools. It declares the tools
// capability and nothing else.
func NewMockClient(tools ...mcp.Tool) *MockClient {
	return &MockClient{
		tools:        tools,
		capabilities: Capabilities(`{"tools":{"listChanged":true}}`),
	}
}

// Capabilities builds server capabilities from their JSON form.
func Capabilities(js string) mcp.ServerCapabilities {
	var c mcp.ServerCapabilities
	if err := json.Unmarshal([]byte(js), &c); err != nil {
		panic(fmt.Sprintf("invalid capabilities JSON: %v", err))
	}
	return c
}

// Tool builds a tool with an empty object input schema.
func Tool(name string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: name + " tool",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}
}

// SetCapabilities replaces the declared capabilities.
func (c *MockClient) SetCapabilities(caps mcp.ServerCapabilities) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
	return c
}

// SetTools replaces the tool list.
func (c *MockClient) SetTools(tools ...mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// SetPrompts sets the prompt list.
func (c *MockClient) SetPrompts(prompts ...mcp.Prompt) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = prompts
	return c
}

// SetResources sets the resource list.
func (c *MockClient) SetResources(resources ...mcp.Resource) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = resources
	return c
}

// SetCallFunc sets a custom handler for tool calls.
func (c *MockClient) SetCallFunc(fn func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callFunc = fn
	return c
}

// SetCallDelay makes every call wait d or until its context ends.
func (c *MockClient) SetCallDelay(d time.Duration) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callDelay = d
	return c
}

// SetListDelay makes ListTools wait d or until its context ends.
func (c *MockClient) SetListDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listDelay = d
}

// SetListError makes ListTools fail with err.
func (c *MockClient) SetListError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// SetPingError makes Ping fail with err.
func (c *MockClient) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Notify delivers a notification as if the server had sent it.
func (c *MockClient) Notify(method string, params map[string]any) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	h(mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: params},
		},
	})
}

// Calls returns every tool call received.
func (c *MockClient) Calls() []mcplink.ToolCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcplink.ToolCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// Cancelled returns the request IDs of received cancellation notices.
func (c *MockClient) Cancelled() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.cancelled...)
}

// Subscribed returns the URIs currently subscribed.
func (c *MockClient) Subscribed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.subscribed...)
}

// IsClosed reports whether Close was called.
func (c *MockClient) IsClosed() bool {
	return c.closed.Load()
}

func (c *MockClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	delay := c.listDelay
	c.mu.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]mcp.Tool(nil), c.tools...), nil
}

func (c *MockClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Prompt(nil), c.prompts...), nil
}

func (c *MockClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.prompts {
		if p.Name == name {
			return &mcp.GetPromptResult{
				Description: p.Description,
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.NewTextContent(fmt.Sprintf("%s %v", name, args))},
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("prompt not found: %s", name)
}

func (c *MockClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Resource(nil), c.resources...), nil
}

func (c *MockClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.resources {
		if r.URI == uri {
			return &mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{
					mcp.TextResourceContents{URI: uri, Text: "contents of " + uri},
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("resource not found: %s", uri)
}

// CallTool executes a tool call using the configured handler. Without one it
// echoes the arguments back as JSON text.
func (c *MockClient) CallTool(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	delay := c.callDelay
	fn := c.callFunc
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, call)
	}

	b, err := json.Marshal(call.Arguments)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (c *MockClient) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *MockClient) Subscribe(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, uri)
	return nil
}

func (c *MockClient) Unsubscribe(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range c.subscribed {
		if u == uri {
			c.subscribed = append(c.subscribed[:i], c.subscribed[i+1:]...)
			break
		}
	}
	return nil
}

func (c *MockClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *MockClient) NotifyCancelled(ctx context.Context, requestID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, requestID)
	return nil
}

func (c *MockClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingErr
}

func (c *MockClient) Close() error {
	c.closed.Store(true)
	c.closeCount.Add(1)
	return nil
}

// MockTransport is a no-op transport.
type MockTransport struct {
	Kind   mcplink.TransportType
	closed atomic.Bool
}

func (t *MockTransport) Type() mcplink.TransportType { return t.Kind }

func (t *MockTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (t *MockTransport) IsClosed() bool { return t.closed.Load() }

// MockConnector hands out pre-registered clients by server name.
type MockConnector struct {
	mu       sync.Mutex
	clients  map[string]*MockClient
	failures map[string][]error
	delay    time.Duration
	gate     chan struct{}
	dials    map[string]int
}

// NewMockConnector creates an empty connector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		clients:  make(map[string]*MockClient),
		failures: make(map[string][]error),
		dials:    make(map[string]int),
	}
}

// AddClient registers the client returned for server.
func (c *MockConnector) AddClient(server string, client *MockClient) *MockConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[server] = client
	return c
}

// FailNext queues errors returned by the next dials to server, in order.
func (c *MockConnector) FailNext(server string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[server] = append(c.failures[server], errs...)
}

// SetDelay makes each dial take d.
func (c *MockConnector) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Hold blocks every dial until the returned func is called.
func (c *MockConnector) Hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Dials returns how many times server was dialed.
func (c *MockConnector) Dials(server string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials[server]
}

// Connect implements mcp.Connector.
func (c *MockConnector) Connect(ctx context.Context, cfg mcplink.ServerConfig) (mcplink.Client, mcplink.Transport, error) {
	c.mu.Lock()
	c.dials[cfg.Name]++
	delay := c.delay
	gate := c.gate
	var failure error
	if q := c.failures[cfg.Name]; len(q) > 0 {
		failure = q[0]
		c.failures[cfg.Name] = q[1:]
	}
	client := c.clients[cfg.Name]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, nil, failure
	}
	if client == nil {
		return nil, nil, fmt.Errorf("no mock client registered for %q", cfg.Name)
	}
	client.closed.Store(false)
	return client, &MockTransport{Kind: cfg.Transport.Type}, nil
}
