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
	"errors"
	"fmt"
	"strings"
)

// MCPErrorCode represents a category of session manager error.
type MCPErrorCode string

const (
	// ErrorCodeInvalidIdentity indicates a malformed server or tool identifier.
	ErrorCodeInvalidIdentity MCPErrorCode = "INVALID_IDENTITY"
	// ErrorCodeStateConflict indicates an operation that is not valid in the server's current state.
	ErrorCodeStateConflict MCPErrorCode = "STATE_CONFLICT"
	// ErrorCodeNotFound indicates an unknown server or tool.
	ErrorCodeNotFound MCPErrorCode = "NOT_FOUND"
	// ErrorCodeDisposed indicates the manager has been shut down.
	ErrorCodeDisposed MCPErrorCode = "DISPOSED"
	// ErrorCodeTransport indicates a transport or protocol failure.
	ErrorCodeTransport MCPErrorCode = "TRANSPORT_FAILURE"
	// ErrorCodeDisconnected indicates the server went away while an operation was in flight.
	ErrorCodeDisconnected MCPErrorCode = "DISCONNECTED"
	// ErrorCodeUnsupported indicates the server does not declare the required capability.
	ErrorCodeUnsupported MCPErrorCode = "UNSUPPORTED"
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig MCPErrorCode = "CONFIG_INVALID"
)

// Sentinel errors for use with errors.Is. Any *MCPError with the same code matches.
var (
	ErrInvalidIdentity = &MCPError{Code: ErrorCodeInvalidIdentity}
	ErrStateConflict   = &MCPError{Code: ErrorCodeStateConflict}
	ErrNotFound        = &MCPError{Code: ErrorCodeNotFound}
	ErrDisposed        = &MCPError{Code: ErrorCodeDisposed}
	ErrTransport       = &MCPError{Code: ErrorCodeTransport}
	ErrDisconnected    = &MCPError{Code: ErrorCodeDisconnected}
	ErrUnsupported     = &MCPError{Code: ErrorCodeUnsupported}
	ErrConfig          = &MCPError{Code: ErrorCodeConfig}
)

// MCPError is an error type that includes suggestions for resolution.
type MCPError struct {
	// Code is the error category.
	Code MCPErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Detail != "" {
		return msg + ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *MCPError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a sentinel with the same code.
func (e *MCPError) Is(target error) bool {
	t, ok := target.(*MCPError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *MCPError) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *MCPError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
// Returns the first suggestion; the rest are available on the struct.
func (e *MCPError) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *MCPError) ErrorType() string {
	return strings.ToLower(string(e.Code))
}

// IsRetryable implements pkg/errors.ErrorClassifier. Transport failures and
// disconnections may succeed on a later attempt.
func (e *MCPError) IsRetryable() bool {
	return e.Code == ErrorCodeTransport || e.Code == ErrorCodeDisconnected
}

// NewMCPError creates a new MCPError.
func NewMCPError(code MCPErrorCode, message string) *MCPError {
	return &MCPError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *MCPError) WithDetail(detail string) *MCPError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *MCPError) WithSuggestions(suggestions ...string) *MCPError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *MCPError) WithCause(cause error) *MCPError {
	e.Cause = cause
	return e
}

// errServerNotFound creates an error for when a server is not registered.
func errServerNotFound(id ServerID) *MCPError {
	return NewMCPError(ErrorCodeNotFound, fmt.Sprintf("MCP server '%s' not found", id)).
		WithSuggestions(
			"Check the server name: mcplink servers",
			"Add the server to mcp.yaml",
		)
}

// errToolNotFound creates an error for an unknown tool.
func errToolNotFound(id ToolID) *MCPError {
	return NewMCPError(ErrorCodeNotFound, fmt.Sprintf("tool '%s' not found", id)).
		WithSuggestions(
			fmt.Sprintf("List available tools: mcplink tools %s", id.Server()),
		)
}

// errStateConflict creates an error for an operation that clashes with the server's state.
func errStateConflict(id ServerID, op string, state ConnectionState) *MCPError {
	return NewMCPError(ErrorCodeStateConflict, fmt.Sprintf("cannot %s MCP server '%s'", op, id)).
		WithDetail(fmt.Sprintf("server is %s", state))
}

// errNotConnected creates an error for using a server that is registered but not connected.
func errNotConnected(id ServerID, state ConnectionState) *MCPError {
	return NewMCPError(ErrorCodeStateConflict, fmt.Sprintf("MCP server '%s' is not connected", id)).
		WithDetail(fmt.Sprintf("server is %s", state)).
		WithSuggestions(fmt.Sprintf("Check status: mcplink servers %s", id))
}

// errDisposed creates an error for calls made after shutdown began.
func errDisposed() *MCPError {
	return NewMCPError(ErrorCodeDisposed, "session manager has been disposed")
}

// errDisconnectedDuringPreparation is returned when a server disappears between lookup and dispatch.
func errDisconnectedDuringPreparation(id ServerID) *MCPError {
	return NewMCPError(ErrorCodeDisconnected, fmt.Sprintf("MCP server '%s' disconnected during preparation", id))
}

// errInterrupted wraps a call failure caused by the server going away mid-call.
func errInterrupted(id ToolID, cause error) *MCPError {
	return NewMCPError(ErrorCodeDisconnected, fmt.Sprintf("call to '%s' was interrupted by disconnection", id)).
		WithDetail(cause.Error()).
		WithCause(cause)
}

// errTransport wraps an underlying transport or protocol failure.
func errTransport(op string, id ServerID, cause error) *MCPError {
	return NewMCPError(ErrorCodeTransport, fmt.Sprintf("%s on MCP server '%s' failed", op, id)).
		WithDetail(cause.Error()).
		WithCause(cause)
}

// errConnectFailed wraps a failed connection attempt.
func errConnectFailed(id ServerID, cause error) *MCPError {
	return NewMCPError(ErrorCodeTransport, fmt.Sprintf("failed to connect to MCP server '%s'", id)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check server logs: mcplink servers %s --logs", id),
			"Verify the command or URL in mcp.yaml",
			"Ensure required environment variables are set",
		)
}

// errUnsupported creates an error for a capability the server does not declare.
func errUnsupported(id ServerID, capability string) *MCPError {
	return NewMCPError(ErrorCodeUnsupported, fmt.Sprintf("MCP server '%s' does not support %s", id, capability))
}

// ErrInvalidConfig creates an error for invalid configuration.
func ErrInvalidConfig(detail string) *MCPError {
	return NewMCPError(ErrorCodeConfig, "Invalid MCP server configuration").
		WithDetail(detail).
		WithSuggestions(
			"Check the configuration syntax in mcp.yaml",
			"Ensure all required fields are provided",
		)
}

// GetMCPError extracts an MCPError from an error chain.
func GetMCPError(err error) *MCPError {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}
	return nil
}
