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

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcplink/internal/mcp/cancellation"
	"github.com/tombee/mcplink/internal/mcp/progress"
	"github.com/tombee/mcplink/internal/mcp/schema"
)

// Transport is the low-level channel a Client runs over.
type Transport interface {
	// Type returns the transport kind.
	Type() TransportType

	// Close tears down the channel. Safe to call more than once.
	Close() error
}

// ToolCall is one tools/call request.
type ToolCall struct {
	Name      string
	Arguments map[string]any

	// ProgressToken is sent as _meta.progressToken when non-empty.
	ProgressToken string

	// RequestID is the manager's tracking ID, sent in _meta for correlation.
	RequestID string
}

// Client is a protocol session with one server.
// This interface enables dependency injection and testing with mock implementations.
type Client interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)

	// CallTool executes a tool. ctx carries the timeout and cancellation.
	CallTool(ctx context.Context, call ToolCall) (*mcp.CallToolResult, error)

	// Capabilities returns what the server declared during initialize.
	Capabilities() mcp.ServerCapabilities

	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error

	// OnNotification registers the handler for server-initiated notifications.
	OnNotification(handler func(mcp.JSONRPCNotification))

	// NotifyCancelled sends notifications/cancelled for a request.
	NotifyCancelled(ctx context.Context, requestID, reason string) error

	Ping(ctx context.Context) error
	Close() error
}

// Connector dials a server and completes the initialize handshake.
type Connector interface {
	Connect(ctx context.Context, cfg ServerConfig) (Client, Transport, error)
}

// TokenCounter counts model tokens in text. Counts must not decrease as text grows.
type TokenCounter interface {
	CountTokens(text string) int
}

// SchemaValidator validates tool output against a JSON schema.
type SchemaValidator interface {
	ValidateContent(schema json.RawMessage, content any) schema.Result
}

// ProgressTracker correlates progress notifications with callers.
type ProgressTracker interface {
	CreateToken() string
	OnProgress(token string, fn func(progress.Update))
	HandleNotification(u progress.Update) bool
	Cleanup(token string)
}

// CancellationRegistry tracks cancellable in-flight requests.
type CancellationRegistry interface {
	Register(req cancellation.Request)
	Cancel(id, reason string) bool
	CancelAll(reason string) int
	IsCancelled(id string) bool
	Cleanup(id string)
}

// SubscriptionRegistry records resource subscriptions per server.
type SubscriptionRegistry interface {
	Subscribe(server, uri string) bool
	Unsubscribe(server, uri string) bool
	IsSubscribed(server, uri string) bool
	URIs(server string) []string
	ClearServer(server string)
}

// CallRecorder persists a record of each tool call.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}
