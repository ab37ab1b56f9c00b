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
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcplink/internal/mcp/progress"
)

// Notification methods mcp-go does not define constants for.
const (
	methodProgress  = "notifications/progress"
	methodMessage   = "notifications/message"
	methodCancelled = "notifications/cancelled"
)

// notificationHandler returns the handler installed on a server's client.
// It runs on the transport's reader goroutine and must not block.
func (m *Manager) notificationHandler(id ServerID) func(mcp.JSONRPCNotification) {
	return func(n mcp.JSONRPCNotification) {
		if m.disposing.Load() {
			return
		}
		params := n.Params.AdditionalFields

		switch n.Method {
		case methodProgress:
			u, ok := progress.FromParams(id.String(), params)
			if !ok {
				m.logger.Debug("ignoring malformed progress notification", "server", id.String())
				return
			}
			m.progress.HandleNotification(u)
			m.events.EmitProgress(u)

		case mcp.MethodNotificationResourceUpdated:
			uri, _ := params["uri"].(string)
			if uri == "" || !m.subscriptions.IsSubscribed(id.String(), uri) {
				return
			}
			m.events.EmitResourceUpdated(id, uri)

		case mcp.MethodNotificationResourcesListChanged:
			m.events.EmitListChanged(EventResourceListChanged, id)

		case mcp.MethodNotificationPromptsListChanged:
			m.events.EmitListChanged(EventPromptListChanged, id)

		case mcp.MethodNotificationToolsListChanged:
			m.goBackground(func() { m.refreshTools(id) })

		case methodMessage:
			m.recordServerMessage(id, params)

		default:
			m.logger.Debug("unhandled MCP notification", "server", id.String(), "method", n.Method)
		}
	}
}

// refreshTools reloads a server's tool list after it announced a change.
// Bursts of announcements collapse into one reload.
func (m *Manager) refreshTools(id ServerID) {
	_, _, _ = m.refresh.Do(id.String(), func() (any, error) {
		slot, ok := m.servers.Peek(id)
		if !ok {
			return nil, nil
		}
		conn, ok := slot.record.(Connected)
		if !ok {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HealthCheckTimeout)
		defer cancel()
		tools, err := m.loadTools(ctx, id, conn.Client, slot.config)
		if err != nil {
			m.logger.Warn("failed to refresh MCP tools", "server", id.String(), "error", err)
			return nil, err
		}

		_, err = WithKey(ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (struct{}, error) {
			cur, ok := e.Get()
			if !ok {
				return struct{}{}, nil
			}
			if c, ok := cur.record.(Connected); !ok || c.Client != conn.Client {
				return struct{}{}, nil
			}
			cur.tools = tools
			e.Set(cur)
			return struct{}{}, nil
		})
		return nil, err
	})
	if m.disposing.Load() {
		return
	}
	m.events.EmitListChanged(EventToolListChanged, id)
}

// recordServerMessage stores a notifications/message entry with the server's logs.
func (m *Manager) recordServerMessage(id ServerID, params map[string]any) {
	level, _ := params["level"].(string)
	var text string
	switch d := params["data"].(type) {
	case string:
		text = d
	case nil:
	default:
		text = fmt.Sprint(d)
	}
	m.logs.Add(id.String(), LogLine{Source: "notification", Level: level, Text: text})
	m.logger.Debug("MCP server log", "server", id.String(), "level", level, "message", text)
}
