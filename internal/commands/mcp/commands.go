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
// Package mcp implements the mcplink commands that talk to MCP servers.
package mcp

import (
	"github.com/spf13/cobra"
)

// NewCommands returns the server, tool, prompt, resource, history and serve
// commands for the root command.
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		newServersCommand(),
		newToolsCommand(),
		newCallCommand(),
		newPromptsCommand(),
		newPromptCommand(),
		newResourcesCommand(),
		newReadCommand(),
		newHistoryCommand(),
		newServeCommand(),
	}
}
