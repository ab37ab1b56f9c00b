package mcp

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcplink/internal/mcp/schema"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	// TransportStdio spawns a local process and speaks over stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportSSE connects to a server-sent events endpoint.
	TransportSSE TransportType = "sse"
	// TransportHTTP connects to a streamable HTTP endpoint.
	TransportHTTP TransportType = "http"
)

// TransportConfig describes how to reach a server.
type TransportConfig struct {
	Type TransportType `json:"type"`

	// Command, Args and Env apply to stdio servers.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// URL and Headers apply to sse and http servers.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ServerConfig configures one server for the manager.
type ServerConfig struct {
	// Name is the server identity.
	Name string `json:"name"`

	Transport TransportConfig `json:"transport"`

	// Timeout is the tool call timeout. Zero uses the manager default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// InitTimeout bounds connect plus initialize. Zero uses the manager default.
	InitTimeout time.Duration `json:"init_timeout,omitempty"`

	// Quiet suppresses server stderr in the log.
	Quiet bool `json:"quiet,omitempty"`

	// AutoConnect is used by Registry to decide what to dial at startup.
	AutoConnect bool `json:"auto_connect,omitempty"`

	// AllowedTools and BlockedTools are glob patterns over tool names.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	BlockedTools []string `json:"blocked_tools,omitempty"`

	// RateLimit caps tool calls per second. 0 disables.
	RateLimit float64 `json:"rate_limit,omitempty"`
}

// Validate checks the config without touching the network.
func (c ServerConfig) Validate() error {
	if _, err := NewServerID(c.Name); err != nil {
		return err
	}
	switch c.Transport.Type {
	case TransportStdio:
		if c.Transport.Command == "" {
			return ErrInvalidConfig("command is required for stdio transport")
		}
	case TransportSSE, TransportHTTP:
		if c.Transport.URL == "" {
			return ErrInvalidConfig("url is required for " + string(c.Transport.Type) + " transport")
		}
	default:
		return ErrInvalidConfig("invalid transport type: " + string(c.Transport.Type))
	}
	if c.Timeout < 0 || c.InitTimeout < 0 {
		return ErrInvalidConfig("timeouts must be non-negative")
	}
	return nil
}

// ToolDescriptor describes a tool offered by a connected server.
type ToolDescriptor struct {
	ID          ToolID          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// OutputSchema is nil when the tool declares none.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`

	Server ServerID `json:"-"`
}

// PromptDescriptor is a prompt template and the server offering it.
type PromptDescriptor struct {
	Server ServerID
	Prompt mcp.Prompt
}

// ResourceDescriptor is a resource and the server offering it.
type ResourceDescriptor struct {
	Server   ServerID
	Resource mcp.Resource
}

// ServerStatus is a point-in-time view of one server.
type ServerStatus struct {
	ID        ServerID        `json:"-"`
	Name      string          `json:"name"`
	State     ConnectionState `json:"state"`
	Transport TransportType   `json:"transport"`
	Since     time.Time       `json:"since,omitempty"`
	Error     string          `json:"error,omitempty"`
	ToolCount int             `json:"tool_count"`
	Attempts  int             `json:"reconnect_attempts"`
}

// StatusCounts aggregates servers by state.
type StatusCounts struct {
	Idle          int `json:"idle"`
	Connecting    int `json:"connecting"`
	Connected     int `json:"connected"`
	Disconnecting int `json:"disconnecting"`
	Failed        int `json:"failed"`
	Total         int `json:"total"`
}

// CallOptions tune a single tool call.
type CallOptions struct {
	// Timeout overrides the server and manager timeouts.
	Timeout time.Duration

	// SkipOutputValidation disables output schema validation.
	SkipOutputValidation bool

	// ProgressToken is forwarded in _meta.progressToken when set.
	ProgressToken string
}

// CallResult is the outcome of a tool call that did not fail.
type CallResult struct {
	// Result is the (possibly truncated) tool result. Nil when Cancelled.
	Result *mcp.CallToolResult

	// Cancelled is set when the call was cancelled before it settled.
	Cancelled    bool
	CancelReason string

	// Truncated is set when the output guard cut the result.
	Truncated bool

	// Tokens is the size of the result before truncation.
	Tokens int

	// Validation is the output schema outcome, nil when not validated.
	Validation *schema.Result

	Duration time.Duration
}

// CallRecord is what the manager hands to a CallRecorder after each call.
type CallRecord struct {
	RequestID string        `json:"request_id"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Tokens    int           `json:"tokens"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Call outcomes recorded in metrics and history.
const (
	OutcomeSuccess   = "success"
	OutcomeToolError = "tool_error"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)
