package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
	mcplink "github.com/tombee/mcplink/internal/mcp"
)

func newToolsCommand() *cobra.Command {
	var showSchema bool

	cmd := &cobra.Command{
		Use:   "tools [server]",
		Short: "List tools offered by connected MCP servers",
		Long: `List the tools of every connected server, or of one server.

Tool names are namespaced as server.tool; pass that name to mcplink call.
Tools hidden by allowed_tools or blocked_tools in mcp.yaml are not shown.`,
		Example: `  # Example 1: Every tool from every server
  mcplink tools

  # Example 2: One server, with input schemas
  mcplink tools files --schema

  # Example 3: Tool names only
  mcplink tools --json | jq -r '.tools[].name'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var server string
			if len(args) == 1 {
				server = args[0]
			}
			return runTools(cmd, server, showSchema)
		},
	}

	cmd.Flags().BoolVar(&showSchema, "schema", false, "Show each tool's input schema")

	return cmd
}

type toolView struct {
	Name         string          `json:"name"`
	Server       string          `json:"server"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

func runTools(cmd *cobra.Command, server string, showSchema bool) error {
	ctx := cmd.Context()
	opts := sessionOptions{}
	if server != "" {
		opts.servers = []string{server}
	}
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	var tools []mcplink.ToolDescriptor
	if server != "" {
		tools, err = s.manager.ServerTools(server)
		if err != nil {
			return err
		}
	} else {
		tools = s.manager.ListTools()
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID.String() < tools[j].ID.String() })

	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, toolView{
			Name:         t.ID.String(),
			Server:       t.Server.String(),
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Tools []toolView `json:"tools"`
		}{shared.NewJSONResponse("tools"), views})
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No tools available.")
		fmt.Fprintln(out, "\nCheck that servers are connected: mcplink servers")
		return nil
	}
	writeTools(out, views, showSchema, shared.TerminalWidth(out, 100))
	return nil
}

func writeTools(out io.Writer, views []toolView, showSchema bool, width int) {
	current := ""
	for _, v := range views {
		if v.Server != current {
			if current != "" {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, shared.Header.Render(v.Server))
			current = v.Server
		}
		fmt.Fprintf(out, "  %s\n", shared.Bold.Render(v.Name))
		if v.Description != "" {
			for _, line := range splitLines(wrapText(v.Description, max(width-6, 20))) {
				fmt.Fprintf(out, "      %s\n", shared.Muted.Render(line))
			}
		}
		if showSchema && len(v.InputSchema) > 0 {
			var pretty any
			if err := json.Unmarshal(v.InputSchema, &pretty); err == nil {
				b, _ := json.MarshalIndent(pretty, "      ", "  ")
				fmt.Fprintf(out, "      %s\n", b)
			}
		}
	}
}
