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

/*
Package mcp manages connections to many Model Context Protocol servers and
mediates every tool call, prompt fetch and resource read made through them.

# Overview

The package consists of several components:

  - Manager: the session manager. Adds and removes servers, calls tools,
    lists prompts and resources, and shuts everything down.
  - KeyedMutex and Guarded: per-server serialization. Every state change for
    a server happens while holding that server's key.
  - ConnectionRecord: the per-server state, exactly one of Idle, Connecting,
    Connected, Disconnecting or Failed.
  - Reconnection: failed servers are retried with exponential backoff.
  - Health monitor: connected servers are checked on an interval and demoted
    to failed when they stop answering.
  - Registry and Watcher: keep a Manager in step with mcp.yaml.

# Adding Servers

	mgr := mcp.NewManager(mcp.ManagerConfig{Logger: logger})
	defer mgr.Dispose(ctx)

	err := mgr.AddServer(ctx, mcp.ServerConfig{
	    Name: "files",
	    Transport: mcp.TransportConfig{
	        Type:    mcp.TransportStdio,
	        Command: "npx",
	        Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
	    },
	})

Concurrent AddServer calls for the same name share one connection attempt.
A failed attempt is returned to the caller and also handed to the
reconnection scheduler.

# Calling Tools

Tools are addressed as "<server>.<tool>":

	res, err := mgr.CallTool(ctx, "files.read_file", map[string]any{"path": "/tmp/a"}, mcp.CallOptions{})

Results larger than the configured token ceiling are truncated on grapheme
boundaries and end with a notice. Tools that declare an output schema have
their results validated; a mismatch is reported as an event and does not fail
the call.

Cancellable calls run in the background:

	call, _ := mgr.CallToolCancellable(ctx, "files.search", args, mcp.CallOptions{})
	call.Cancel("user interrupt")
	res, _ := call.Wait(ctx) // res.Cancelled == true

# Connection States

	idle -> connecting -> connected -> disconnecting -> (removed)
	                  \-> failed <-/
	failed -> connecting (reconnect) | (removed)

# Configuration

	~/.config/mcplink/mcp.yaml

	servers:
	  files:
	    command: npx
	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
	  search:
	    url: https://search.example.com/mcp
	    headers:
	      Authorization: "Bearer keyring:search-token"
*/
package mcp
