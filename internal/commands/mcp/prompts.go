package mcp

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
)

func newPromptsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List prompts offered by connected MCP servers",
		Long: `List the prompt templates of every connected server that supports prompts.

Render one with mcplink prompt <server> <name>.`,
		Args: cobra.NoArgs,
		RunE: runPrompts,
	}
}

type promptView struct {
	Server      string               `json:"server"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Arguments   []mcp.PromptArgument `json:"arguments,omitempty"`
}

func runPrompts(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd.Context(), sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	prompts, err := s.manager.ListPrompts(cmd.Context())
	if err != nil {
		return err
	}

	views := make([]promptView, 0, len(prompts))
	for _, p := range prompts {
		views = append(views, promptView{
			Server:      p.Server.String(),
			Name:        p.Prompt.Name,
			Description: p.Prompt.Description,
			Arguments:   p.Prompt.Arguments,
		})
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Prompts []promptView `json:"prompts"`
		}{shared.NewJSONResponse("prompts"), views})
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No prompts available.")
		return nil
	}

	fmt.Fprintf(out, "%-16s %-24s %-24s %s\n", "SERVER", "NAME", "ARGUMENTS", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, v := range views {
		fmt.Fprintf(out, "%-16s %-24s %-24s %s\n",
			truncate(v.Server, 16),
			truncate(v.Name, 24),
			truncate(argumentList(v.Arguments), 24),
			truncate(firstLine(v.Description), 40),
		)
	}
	return nil
}

// argumentList renders prompt arguments, marking optional ones with "?".
func argumentList(args []mcp.PromptArgument) string {
	names := make([]string, 0, len(args))
	for _, a := range args {
		if a.Required {
			names = append(names, a.Name)
		} else {
			names = append(names, a.Name+"?")
		}
	}
	return strings.Join(names, ",")
}

func newPromptCommand() *cobra.Command {
	var argPairs []string

	cmd := &cobra.Command{
		Use:   "prompt <server> <name>",
		Short: "Render a prompt from an MCP server",
		Example: `  # Render a prompt with arguments
  mcplink prompt git commit-message --arg style=conventional`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, args[0], args[1], argPairs)
		},
	}

	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Prompt argument as key=value (repeatable)")

	return cmd
}

func runPrompt(cmd *cobra.Command, server, name string, argPairs []string) error {
	args, err := parseKeyValues(argPairs)
	if err != nil {
		return shared.NewUsageError("invalid --arg", err)
	}

	s, err := openSession(cmd.Context(), sessionOptions{servers: []string{server}})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.manager.GetPrompt(cmd.Context(), server, name, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Server string               `json:"server"`
			Prompt string               `json:"prompt"`
			Result *mcp.GetPromptResult `json:"result"`
		}{shared.NewJSONResponse("prompt"), server, name, res})
	}

	if res.Description != "" {
		fmt.Fprintln(out, shared.Muted.Render(res.Description))
		fmt.Fprintln(out)
	}
	for _, msg := range res.Messages {
		fmt.Fprintln(out, shared.Header.Render(string(msg.Role)+":"))
		writeContent(out, []mcp.Content{msg.Content})
	}
	return nil
}
