package mcp

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/mcplink/internal/commands/shared"
)

func newResourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resources exposed by connected MCP servers",
		Long: `List the resources of every connected server that supports resources.

Read one with mcplink read <server> <uri>.`,
		Args: cobra.NoArgs,
		RunE: runResources,
	}
}

type resourceView struct {
	Server      string `json:"server"`
	URI         string `json:"uri"`
	Name        string `json:"name"`
	MIMEType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

func runResources(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd.Context(), sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	resources, err := s.manager.ListResources(cmd.Context())
	if err != nil {
		return err
	}

	views := make([]resourceView, 0, len(resources))
	for _, r := range resources {
		views = append(views, resourceView{
			Server:      r.Server.String(),
			URI:         r.Resource.URI,
			Name:        r.Resource.Name,
			MIMEType:    r.Resource.MIMEType,
			Description: r.Resource.Description,
		})
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Resources []resourceView `json:"resources"`
		}{shared.NewJSONResponse("resources"), views})
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No resources available.")
		return nil
	}

	fmt.Fprintf(out, "%-16s %-40s %-20s %s\n", "SERVER", "URI", "NAME", "TYPE")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, v := range views {
		fmt.Fprintf(out, "%-16s %-40s %-20s %s\n",
			truncate(v.Server, 16),
			truncate(v.URI, 40),
			truncate(v.Name, 20),
			v.MIMEType,
		)
	}
	return nil
}

func newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <server> <uri>",
		Short: "Read a resource from an MCP server",
		Example: `  # Print a file resource
  mcplink read files file:///etc/hosts`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args[0], args[1])
		},
	}
}

func runRead(cmd *cobra.Command, server, uri string) error {
	s, err := openSession(cmd.Context(), sessionOptions{servers: []string{server}})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.manager.ReadResource(cmd.Context(), server, uri)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.WriteJSON(out, struct {
			shared.JSONResponse
			Server string                  `json:"server"`
			URI    string                  `json:"uri"`
			Result *mcp.ReadResourceResult `json:"result"`
		}{shared.NewJSONResponse("read"), server, uri, res})
	}

	writeResourceContents(out, res.Contents)
	return nil
}
