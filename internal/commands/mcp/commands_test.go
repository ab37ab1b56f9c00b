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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcplink/internal/commands/shared"
	mcplink "github.com/tombee/mcplink/internal/mcp"
	mcptest "github.com/tombee/mcplink/internal/mcp/testing"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

const baseConfig = `
manager:
  reconnect:
    enabled: false
  output:
    encoding: estimate
servers:
  files:
    command: files-server
  docs:
    command: docs-server
    auto_connect: false
`

// setup writes config to a temp mcp.yaml and routes every dial to a mock
// connector.
func setup(t *testing.T, config string) *mcptest.MockConnector {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))

	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("MCPLINK_LOG_LEVEL", "error")
	shared.SetConfigPathForTest(path)

	conn := mcptest.NewMockConnector()
	connectorOverride = conn
	t.Cleanup(func() {
		connectorOverride = nil
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
	return conn
}

func filesClient() *mcptest.MockClient {
	return mcptest.NewMockClient(mcptest.Tool("read_file"), mcptest.Tool("write_file"))
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServers_Table(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	out, err := execute(t, newServersCommand())
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "files")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "docs")
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "2 servers: 1 connected, 0 failed, 1 idle")
	assert.Zero(t, conn.Dials("docs"))
}

func TestServers_Empty(t *testing.T) {
	setup(t, "servers: {}\n")

	out, err := execute(t, newServersCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No MCP servers configured.")
}

func TestServers_ConnectJSON(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())
	conn.AddClient("docs", mcptest.NewMockClient(mcptest.Tool("lookup")))
	shared.SetJSONForTest(true)

	out, err := execute(t, newServersCommand(), "--connect")
	require.NoError(t, err)

	var resp struct {
		Command string `json:"command"`
		Success bool   `json:"success"`
		Servers []struct {
			Name      string `json:"name"`
			State     string `json:"state"`
			ToolCount int    `json:"tool_count"`
		} `json:"servers"`
		Counts mcplink.StatusCounts `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "servers", resp.Command)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Counts.Connected)
	require.Len(t, resp.Servers, 2)
	for _, s := range resp.Servers {
		assert.Equal(t, "connected", s.State, s.Name)
	}
	assert.Equal(t, 1, conn.Dials("docs"))
}

func TestServers_Detail(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().SetCapabilities(mcptest.Capabilities(`{"tools":{"listChanged":true},"resources":{"subscribe":true}}`))
	conn.AddClient("docs", client)

	out, err := execute(t, newServersCommand(), "docs")
	require.NoError(t, err)

	assert.Contains(t, out, "docs")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "Capabilities")
	assert.Contains(t, out, "tools (list changed)")
	assert.Contains(t, out, "resources (subscribe)")
}

func TestServers_DetailFailedServer(t *testing.T) {
	setup(t, baseConfig)

	out, err := execute(t, newServersCommand(), "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "no mock client registered")
}

func TestServers_UnknownServer(t *testing.T) {
	setup(t, baseConfig)

	_, err := execute(t, newServersCommand(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
}

func TestTools(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	out, err := execute(t, newToolsCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "files.read_file")
	assert.Contains(t, out, "files.write_file")
	assert.Contains(t, out, "read_file tool")
}

func TestTools_OneServerJSON(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())
	conn.AddClient("docs", mcptest.NewMockClient(mcptest.Tool("lookup")))
	shared.SetJSONForTest(true)

	out, err := execute(t, newToolsCommand(), "docs")
	require.NoError(t, err)

	var resp struct {
		Tools []toolView `json:"tools"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "docs.lookup", resp.Tools[0].Name)
	assert.Equal(t, "docs", resp.Tools[0].Server)
	assert.NotEmpty(t, resp.Tools[0].InputSchema)
}

func TestCall(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient()
	conn.AddClient("files", client)

	out, err := execute(t, newCallCommand(), "files.read_file", "--args", `{"path":"a.txt"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `{"path":"a.txt"}`)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, map[string]any{"path": "a.txt"}, calls[0].Arguments)
}

func TestCall_AutoConnectDisabled(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("docs", mcptest.NewMockClient(mcptest.Tool("lookup")))

	_, err := execute(t, newCallCommand(), "docs.lookup")
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Dials("docs"))
	assert.Zero(t, conn.Dials("files"))
}

func TestCall_ToolError(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("permission denied"), nil
	})
	conn.AddClient("files", client)

	out, err := execute(t, newCallCommand(), "files.read_file")
	require.Error(t, err)
	assert.Contains(t, out, "permission denied")
	assert.Equal(t, shared.ExitToolError, shared.ExitCodeFor(err))
}

func TestCall_InvalidArguments(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	_, err := execute(t, newCallCommand(), "files.read_file", "--args", "[1")
	require.Error(t, err)

	var verr *pkgerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "args", verr.Field)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
	assert.Zero(t, conn.Dials("files"))
}

func TestCall_InvalidToolName(t *testing.T) {
	setup(t, baseConfig)

	_, err := execute(t, newCallCommand(), "read_file")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
}

func TestCall_UnknownTool(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	_, err := execute(t, newCallCommand(), "files.delete_file")
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
}

func TestCall_JQ(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		res := mcp.NewToolResultText("two files")
		res.StructuredContent = map[string]any{"files": []any{"a.txt", "b.txt"}}
		return res, nil
	})
	conn.AddClient("files", client)

	out, err := execute(t, newCallCommand(), "files.read_file", "--jq", ".structuredContent.files | length")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))
}

func TestCall_InvalidJQ(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	_, err := execute(t, newCallCommand(), "files.read_file", "--jq", ".[")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
	assert.Zero(t, conn.Dials("files"))
}

func TestCall_JSON(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())
	shared.SetJSONForTest(true)

	out, err := execute(t, newCallCommand(), "files.read_file", "--args", `{"path":"b.txt"}`)
	require.NoError(t, err)

	var resp struct {
		Success bool   `json:"success"`
		Tool    string `json:"tool"`
		Tokens  int    `json:"tokens"`
		Result  struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "files.read_file", resp.Tool)
	assert.Positive(t, resp.Tokens)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, `{"path":"b.txt"}`, resp.Result.Content[0].Text)
}

func TestCall_Timeout(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient().SetCallDelay(5*time.Second))

	_, err := execute(t, newCallCommand(), "files.read_file", "--timeout", "50ms")
	require.Error(t, err)
	assert.Equal(t, shared.ExitTimeout, shared.ExitCodeFor(err))
}

func TestCall_Truncated(t *testing.T) {
	config := strings.Replace(baseConfig, "encoding: estimate", "encoding: estimate\n    max_tokens: 20", 1)
	conn := setup(t, config)
	client := filesClient().SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(strings.Repeat("line of output\n", 100)), nil
	})
	conn.AddClient("files", client)

	out, err := execute(t, newCallCommand(), "files.read_file")
	require.NoError(t, err)
	assert.Contains(t, out, "[Output truncated:")
	assert.Contains(t, out, "output truncated to")
}

func TestPrompts(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().
		SetCapabilities(mcptest.Capabilities(`{"tools":{},"prompts":{}}`)).
		SetPrompts(mcp.Prompt{
			Name:        "summarize",
			Description: "Summarize a file",
			Arguments: []mcp.PromptArgument{
				{Name: "path", Required: true},
				{Name: "style"},
			},
		})
	conn.AddClient("files", client)

	out, err := execute(t, newPromptsCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "summarize")
	assert.Contains(t, out, "path,style?")
}

func TestPrompt(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().
		SetCapabilities(mcptest.Capabilities(`{"tools":{},"prompts":{}}`)).
		SetPrompts(mcp.Prompt{Name: "summarize"})
	conn.AddClient("files", client)

	out, err := execute(t, newPromptCommand(), "files", "summarize", "--arg", "path=README.md")
	require.NoError(t, err)
	assert.Contains(t, out, "user:")
	assert.Contains(t, out, "summarize map[path:README.md]")
}

func TestPrompt_BadArgument(t *testing.T) {
	setup(t, baseConfig)

	_, err := execute(t, newPromptCommand(), "files", "summarize", "--arg", "novalue")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
}

func TestPrompt_Unsupported(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	_, err := execute(t, newPromptCommand(), "files", "summarize")
	require.Error(t, err)
	assert.ErrorIs(t, err, mcplink.ErrUnsupported)
}

func TestResourcesAndRead(t *testing.T) {
	conn := setup(t, baseConfig)
	client := filesClient().
		SetCapabilities(mcptest.Capabilities(`{"tools":{},"resources":{}}`)).
		SetResources(mcp.Resource{URI: "file:///notes.txt", Name: "notes", MIMEType: "text/plain"})
	conn.AddClient("files", client)

	out, err := execute(t, newResourcesCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "file:///notes.txt")
	assert.Contains(t, out, "text/plain")

	out, err = execute(t, newReadCommand(), "files", "file:///notes.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "contents of file:///notes.txt")
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	config := baseConfig + "history:\n  enabled: true\n  path: " + dbPath + "\n"
	conn := setup(t, config)
	conn.AddClient("files", filesClient().SetCallFunc(func(ctx context.Context, call mcplink.ToolCall) (*mcp.CallToolResult, error) {
		if call.Name == "write_file" {
			return mcp.NewToolResultError("read-only"), nil
		}
		return mcp.NewToolResultText("ok"), nil
	}))

	_, err := execute(t, newCallCommand(), "files.read_file")
	require.NoError(t, err)
	_, err = execute(t, newCallCommand(), "files.write_file")
	require.Error(t, err)

	out, err := execute(t, newHistoryCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "files.read_file")
	assert.Contains(t, out, "files.write_file")
	assert.Contains(t, out, mcplink.OutcomeToolError)

	shared.SetJSONForTest(true)
	out, err = execute(t, newHistoryCommand(), "--outcome", mcplink.OutcomeSuccess)
	require.NoError(t, err)
	var resp struct {
		Calls []mcplink.CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Calls, 1)
	assert.Equal(t, "read_file", resp.Calls[0].Tool)
	assert.Equal(t, "files", resp.Calls[0].Server)

	out, err = execute(t, newHistoryCommand(), "--stats")
	require.NoError(t, err)
	var stats struct {
		Stats struct {
			Calls  int `json:"calls"`
			Errors int `json:"errors"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Stats.Calls)
}

func TestHistory_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	setup(t, "history:\n  path: "+dbPath+"\n")

	out, err := execute(t, newHistoryCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No calls recorded.")
}

func TestServeHandler(t *testing.T) {
	conn := setup(t, baseConfig)
	conn.AddClient("files", filesClient())

	s, err := openSession(context.Background(), sessionOptions{})
	require.NoError(t, err)
	defer s.Close()
	h := newServeHandler(s.manager, s.logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counts  mcplink.StatusCounts `json:"counts"`
		Servers []struct {
			Name string `json:"name"`
		} `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Counts.Connected)
	assert.Equal(t, 2, body.Counts.Total)
	assert.Len(t, body.Servers, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeHandler_NothingConnected(t *testing.T) {
	setup(t, `
manager:
  reconnect:
    enabled: false
servers:
  files:
    command: files-server
`)

	s, err := openSession(context.Background(), sessionOptions{})
	require.NoError(t, err)
	defer s.Close()

	rec := httptest.NewRecorder()
	newServeHandler(s.manager, s.logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventPrinter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var text bytes.Buffer
	p := newEventPrinter(&text, false)
	p.print(mcplink.Event{Type: mcplink.EventServerAdded, Server: "files", Timestamp: now, Message: "connected"})
	p.print(mcplink.Event{Type: mcplink.EventProgress, Server: "files", Timestamp: now})
	lines := splitLines(strings.TrimSpace(text.String()))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "server_added")
	assert.Contains(t, lines[0], "files")
	assert.Contains(t, lines[0], "connected")

	var js bytes.Buffer
	p = newEventPrinter(&js, true)
	p.print(mcplink.Event{Type: mcplink.EventReconnectScheduled, Server: "docs", Timestamp: now})
	var e mcplink.Event
	require.NoError(t, json.Unmarshal(js.Bytes(), &e))
	assert.Equal(t, mcplink.EventReconnectScheduled, e.Type)
	assert.Equal(t, "docs", e.Server)
}

func TestRestrict(t *testing.T) {
	cfg := &mcplink.Config{Servers: map[string]*mcplink.ServerEntry{
		"files": {Command: "files-server"},
		"docs":  {Command: "docs-server"},
	}}

	out, err := restrict(cfg, []string{"docs"})
	require.NoError(t, err)
	assert.Len(t, out.Servers, 1)
	assert.Contains(t, out.Servers, "docs")
	assert.Len(t, cfg.Servers, 2)

	_, err = restrict(cfg, []string{"search"})
	assert.ErrorIs(t, err, mcplink.ErrNotFound)
	var nf *pkgerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "search", nf.ID)
	assert.Equal(t, shared.ExitUsage, shared.ExitCodeFor(err))
}

func TestListen_AddressInUse(t *testing.T) {
	srv, ln, err := listen("127.0.0.1:0", http.NotFoundHandler())
	require.NoError(t, err)
	require.NotNil(t, srv)
	defer ln.Close()

	addr := ln.Addr().String()
	_, _, err = listen(addr, http.NotFoundHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen on "+addr+": ")
}
