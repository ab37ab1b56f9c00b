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
package shared

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tombee/mcplink/internal/mcp"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewToolError("tool reported an error"), ExitToolError},
		{"wrapped exit error", fmt.Errorf("call: %w", NewUsageError("bad args", nil)), ExitUsage},
		{"interrupted", fmt.Errorf("call: %w", context.Canceled), ExitInterrupted},
		{"deadline", context.DeadlineExceeded, ExitTimeout},
		{"timeout error", &pkgerrors.TimeoutError{Operation: "call", Duration: time.Second}, ExitTimeout},
		{"validation error", &pkgerrors.ValidationError{Field: "args", Message: "not JSON"}, ExitUsage},
		{"config error", &pkgerrors.ConfigError{Key: "servers", Reason: "empty"}, ExitConfig},
		{"invalid mcp config", mcp.ErrInvalidConfig("missing command"), ExitConfig},
		{"unknown server", mcp.NewMCPError(mcp.ErrorCodeNotFound, "MCP server 'x' not found"), ExitUsage},
		{"not found error", fmt.Errorf("read: %w", &pkgerrors.NotFoundError{Resource: "MCP server", ID: "x"}), ExitUsage},
		{"transport failure", mcp.NewMCPError(mcp.ErrorCodeTransport, "dial failed"), ExitServerUnavailable},
		{"not connected", mcp.NewMCPError(mcp.ErrorCodeStateConflict, "not connected"), ExitServerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	innerErr := errors.New("inner error")
	exitErr := NewConfigError("failed to load mcp.yaml", innerErr)

	if errors.Unwrap(exitErr) != innerErr {
		t.Errorf("expected unwrapped error to be innerErr, got %v", errors.Unwrap(exitErr))
	}
	if exitErr.Error() != "failed to load mcp.yaml: inner error" {
		t.Errorf("unexpected message %q", exitErr.Error())
	}
}

func TestReportError_Suggestion(t *testing.T) {
	mcpErr := mcp.NewMCPError(mcp.ErrorCodeNotFound, "MCP server 'git' not found").
		WithSuggestions("Check the server name: mcplink servers")

	var buf bytes.Buffer
	ReportError(&buf, fmt.Errorf("tools: %w", mcpErr))

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("Error: tools: MCP server 'git' not found")) {
		t.Errorf("missing error line in %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("Suggestion: Check the server name: mcplink servers")) {
		t.Errorf("missing suggestion in %q", out)
	}
}

func TestReportError_NoSuggestion(t *testing.T) {
	var buf bytes.Buffer
	ReportError(&buf, errors.New("some internal error"))

	if bytes.Contains(buf.Bytes(), []byte("Suggestion")) {
		t.Errorf("unexpected suggestion in %q", buf.String())
	}
}
