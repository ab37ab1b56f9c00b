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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
	mcplink "github.com/tombee/mcplink/internal/mcp"
)

// defaultLogLines is used when --logs is given without a count.
const defaultLogLines = 20

func newServersCommand() *cobra.Command {
	var (
		logLines int
		connect  bool
	)

	cmd := &cobra.Command{
		Use:   "servers [name]",
		Short: "List configured MCP servers and their connection state",
		Long: `List the servers in mcp.yaml, connect to them and show their state.

With a server name, show that server in detail: its capabilities, reconnection
attempts, last error and, with --logs, recent stderr output.

See also: mcplink tools, mcplink serve`,
		Example: `  # Example 1: Show every server
  mcplink servers

  # Example 2: Also dial servers with auto_connect: false
  mcplink servers --connect

  # Example 3: Diagnose a server that fails to start
  mcplink servers github --logs

  # Example 4: Names of connected servers, for scripting
  mcplink servers --json | jq -r '.servers[] | select(.state == "connected") | .name'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runServerDetail(cmd, args[0], logLines)
			}
			return runServers(cmd, connect)
		},
	}

	cmd.Flags().IntVar(&logLines, "logs", 0, "Show the last N log lines (detail view)")
	cmd.Flags().Lookup("logs").NoOptDefVal = fmt.Sprint(defaultLogLines)
	cmd.Flags().BoolVar(&connect, "connect", false, "Also connect servers with auto_connect disabled")

	return cmd
}

func runServers(cmd *cobra.Command, connect bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	if connect {
		if err := s.registry.ConnectAll(ctx); err != nil {
			s.logger.Debug("some servers failed to connect", "error", err)
		}
	}

	statuses := s.manager.ConnectionStatus()
	out := cmd.OutOrStdout()

	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Servers []mcplink.ServerStatus `json:"servers"`
			Counts  mcplink.StatusCounts   `json:"counts"`
		}{shared.NewJSONResponse("servers"), statuses, s.manager.StatusCounts()})
	}

	if len(statuses) == 0 {
		path, _ := configPath()
		fmt.Fprintln(out, "No MCP servers configured.")
		fmt.Fprintf(out, "\nAdd servers to %s, for example:\n", path)
		fmt.Fprintln(out, "  servers:")
		fmt.Fprintln(out, "    files:")
		fmt.Fprintln(out, "      command: npx")
		fmt.Fprintln(out, "      args: [\"-y\", \"@modelcontextprotocol/server-filesystem\", \".\"]")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-14s %-10s %-6s %-10s %s\n", "NAME", "STATE", "TRANSPORT", "TOOLS", "UPTIME", "ERROR")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, st := range statuses {
		fmt.Fprintf(out, "%-20s %-14s %-10s %-6d %-10s %s\n",
			truncate(st.Name, 20),
			st.State,
			st.Transport,
			st.ToolCount,
			formatDuration(s.manager.Uptime(st.Name)),
			truncate(firstLine(st.Error), 40),
		)
	}

	c := s.manager.StatusCounts()
	fmt.Fprintf(out, "\n%d servers: %d connected, %d failed, %d idle\n", c.Total, c.Connected, c.Failed, c.Idle)
	return nil
}

type serverDetail struct {
	shared.JSONResponse
	Server       mcplink.ServerStatus          `json:"server"`
	Capabilities *mcplink.CapabilitiesSummary `json:"capabilities,omitempty"`
	Logs         []mcplink.LogLine            `json:"logs,omitempty"`
}

func runServerDetail(cmd *cobra.Command, name string, logLines int) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{servers: []string{name}, lenient: true})
	if err != nil {
		return err
	}
	defer s.Close()

	detail := serverDetail{JSONResponse: shared.NewJSONResponse("servers")}
	detail.Server, err = s.manager.ServerStatus(name)
	if err != nil {
		return err
	}
	if caps, err := s.manager.Capabilities(name); err == nil {
		detail.Capabilities = &caps
	}
	if logLines > 0 {
		detail.Logs, err = s.manager.ServerLogs(name, logLines)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, detail)
	}
	writeServerDetail(out, detail, s.manager.Uptime(name))
	return nil
}

func writeServerDetail(out io.Writer, d serverDetail, uptime time.Duration) {
	st := d.Server
	fmt.Fprintf(out, "%s %s\n", shared.StateSymbol(string(st.State)), shared.Bold.Render(st.Name))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("State:     "), shared.RenderState(string(st.State)))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("Transport: "), st.Transport)
	if uptime > 0 {
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("Uptime:    "), formatDuration(uptime))
	}
	fmt.Fprintf(out, "  %s %d\n", shared.RenderLabel("Tools:     "), st.ToolCount)
	if st.Attempts > 0 {
		fmt.Fprintf(out, "  %s %d\n", shared.RenderLabel("Retries:   "), st.Attempts)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("Error:     "), shared.StatusError.Render(st.Error))
	}

	if d.Capabilities != nil {
		fmt.Fprintf(out, "\n%s\n", shared.Header.Render("Capabilities"))
		fmt.Fprintf(out, "  %s\n", strings.Join(capabilityNames(*d.Capabilities), ", "))
	}

	if len(d.Logs) > 0 {
		fmt.Fprintf(out, "\n%s\n", shared.Header.Render("Logs"))
		for _, line := range d.Logs {
			fmt.Fprintf(out, "  %s %s %s\n",
				shared.Muted.Render(line.Timestamp.Format("15:04:05")),
				shared.Muted.Render("["+line.Source+"]"),
				line.Text,
			)
		}
	}
}

func capabilityNames(c mcplink.CapabilitiesSummary) []string {
	var names []string
	add := func(on bool, name string, extras ...string) {
		if !on {
			return
		}
		if len(extras) > 0 {
			name += " (" + strings.Join(extras, ", ") + ")"
		}
		names = append(names, name)
	}
	flag := func(on bool, s string) []string {
		if on {
			return []string{s}
		}
		return nil
	}

	add(c.Tools, "tools", flag(c.ToolsListChanged, "list changed")...)
	add(c.Resources, "resources", append(flag(c.ResourceSubscribe, "subscribe"), flag(c.ResourcesListChanged, "list changed")...)...)
	add(c.Prompts, "prompts", flag(c.PromptsListChanged, "list changed")...)
	add(c.Logging, "logging")
	add(c.Sampling, "sampling")
	for _, e := range c.Experimental {
		names = append(names, "experimental:"+e)
	}
	if len(names) == 0 {
		return []string{"none"}
	}
	return names
}
