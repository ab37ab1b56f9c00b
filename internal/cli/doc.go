/*
Package cli provides the root command and shared configuration for mcplink's CLI.

This package creates the root Cobra command and handles global concerns like
version information, persistent flags, JSON help and exit codes. Individual
commands live in the internal/commands subpackages.

# Command Tree

	mcplink
	├── servers     List servers and their connection state
	├── tools       List tools
	├── call        Call a tool
	├── prompts     List prompts
	├── prompt      Render a prompt
	├── resources   List resources
	├── read        Read a resource
	├── history     Show recorded tool calls
	├── serve       Keep servers connected, serve /metrics
	├── version     Show version
	└── help        Show help (supports --json)

# Global Flags

	--config    Path to mcp.yaml
	--json      Machine-readable output
	--verbose   Debug logging
	--quiet     Errors only

# Exit Codes

Commands exit 0 on success, 2 for bad arguments, 3 for configuration
errors, 4 when a server is unavailable, 5 when a tool reports an error,
124 on timeout and 130 when interrupted.
*/
package cli
