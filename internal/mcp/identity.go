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
	"regexp"
	"strings"
)

var (
	// serverNameRegex validates server names. No dots: the name prefixes tool IDs.
	serverNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

	toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]{1,128}$`)
)

// ServerID names one capability server. The zero value is invalid; build one with NewServerID.
type ServerID struct {
	name string
}

// NewServerID validates name and returns its ServerID.
func NewServerID(name string) (ServerID, error) {
	if !serverNameRegex.MatchString(name) {
		return ServerID{}, NewMCPError(ErrorCodeInvalidIdentity, fmt.Sprintf("invalid server name '%s'", name)).
			WithDetail("names must start with a letter, contain only letters/numbers/hyphens/underscores, and be at most 64 characters").
			WithSuggestions("Example valid names: my-server, server_1, files")
	}
	return ServerID{name: name}, nil
}

// MustServerID is NewServerID for constants and tests. It panics on invalid input.
func MustServerID(name string) ServerID {
	id, err := NewServerID(name)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the server name.
func (id ServerID) String() string {
	return id.name
}

// IsZero reports whether id was never constructed.
func (id ServerID) IsZero() bool {
	return id.name == ""
}

// ToolID names a tool within a server, rendered as "<server>.<tool>".
type ToolID struct {
	server ServerID
	name   string
}

// NewToolID validates the tool name and binds it to server.
func NewToolID(server ServerID, name string) (ToolID, error) {
	if server.IsZero() {
		return ToolID{}, NewMCPError(ErrorCodeInvalidIdentity, "tool identity requires a server")
	}
	if !toolNameRegex.MatchString(name) {
		return ToolID{}, NewMCPError(ErrorCodeInvalidIdentity, fmt.Sprintf("invalid tool name '%s'", name)).
			WithDetail("tool names are 1-128 characters of letters, digits, '_', '-', '.', ':' or '/'")
	}
	return ToolID{server: server, name: name}, nil
}

// ParseToolID parses "<server>.<tool>". The split happens at the first dot.
func ParseToolID(s string) (ToolID, error) {
	server, tool, ok := strings.Cut(s, ".")
	if !ok {
		return ToolID{}, NewMCPError(ErrorCodeInvalidIdentity, fmt.Sprintf("invalid tool identifier '%s'", s)).
			WithDetail("expected <server>.<tool>")
	}
	sid, err := NewServerID(server)
	if err != nil {
		return ToolID{}, err
	}
	return NewToolID(sid, tool)
}

// Server returns the owning server.
func (id ToolID) Server() ServerID {
	return id.server
}

// Name returns the tool name as the server knows it.
func (id ToolID) Name() string {
	return id.name
}

// String returns the namespaced form "<server>.<tool>".
func (id ToolID) String() string {
	return id.server.name + "." + id.name
}

// IsZero reports whether id was never constructed.
func (id ToolID) IsZero() bool {
	return id.name == ""
}
