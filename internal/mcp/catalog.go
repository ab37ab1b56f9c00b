package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// catalogConcurrency caps fan-out across servers for list calls.
const catalogConcurrency = 8

// ListTools returns every tool offered by connected servers, sorted by ID.
func (m *Manager) ListTools() []ToolDescriptor {
	var out []ToolDescriptor
	for _, slot := range m.servers.Snapshot() {
		if _, ok := slot.record.(Connected); !ok {
			continue
		}
		for _, t := range slot.tools {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ServerTools returns the tools of one server, sorted by name.
func (m *Manager) ServerTools(name string) ([]ToolDescriptor, error) {
	id, err := NewServerID(name)
	if err != nil {
		return nil, err
	}
	slot, ok := m.servers.Peek(id)
	if !ok {
		return nil, errServerNotFound(id)
	}
	out := make([]ToolDescriptor, 0, len(slot.tools))
	for _, t := range slot.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListServers returns the names of every known server, sorted.
func (m *Manager) ListServers() []string {
	snap := m.servers.Snapshot()
	names := make([]string, 0, len(snap))
	for id := range snap {
		names = append(names, id.String())
	}
	sort.Strings(names)
	return names
}

// ConnectionState returns the current state of a server.
func (m *Manager) ConnectionState(name string) (ConnectionState, error) {
	id, err := NewServerID(name)
	if err != nil {
		return "", err
	}
	slot, ok := m.servers.Peek(id)
	if !ok {
		return "", errServerNotFound(id)
	}
	return slot.record.State(), nil
}

// ServerStatus returns a point-in-time view of one server.
func (m *Manager) ServerStatus(name string) (ServerStatus, error) {
	id, err := NewServerID(name)
	if err != nil {
		return ServerStatus{}, err
	}
	slot, ok := m.servers.Peek(id)
	if !ok {
		return ServerStatus{}, errServerNotFound(id)
	}
	return statusOf(id, slot), nil
}

// ConnectionStatus returns the status of every server, sorted by name.
func (m *Manager) ConnectionStatus() []ServerStatus {
	snap := m.servers.Snapshot()
	out := make([]ServerStatus, 0, len(snap))
	for id, slot := range snap {
		out = append(out, statusOf(id, slot))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusCounts aggregates servers by state.
func (m *Manager) StatusCounts() StatusCounts {
	var c StatusCounts
	for _, slot := range m.servers.Snapshot() {
		c.Total++
		switch slot.record.State() {
		case StateIdle:
			c.Idle++
		case StateConnecting:
			c.Connecting++
		case StateConnected:
			c.Connected++
		case StateDisconnecting:
			c.Disconnecting++
		case StateFailed:
			c.Failed++
		}
	}
	return c
}

func statusOf(id ServerID, slot serverSlot) ServerStatus {
	st := ServerStatus{
		ID:        id,
		Name:      id.String(),
		State:     slot.record.State(),
		Transport: slot.config.Transport.Type,
		ToolCount: len(slot.tools),
		Attempts:  slot.attempts,
	}
	switch r := slot.record.(type) {
	case Connecting:
		st.Since = r.StartedAt
	case Connected:
		st.Since = r.ConnectedAt
	case Failed:
		st.Since = r.FailedAt
		if r.Err != nil {
			st.Error = r.Err.Error()
		}
	}
	return st
}

// connectedClient returns the live client for a server.
func (m *Manager) connectedClient(name string) (ServerID, Client, error) {
	if m.disposing.Load() {
		return ServerID{}, nil, errDisposed()
	}
	id, err := NewServerID(name)
	if err != nil {
		return ServerID{}, nil, err
	}
	slot, ok := m.servers.Peek(id)
	if !ok {
		return id, nil, errServerNotFound(id)
	}
	conn, ok := slot.record.(Connected)
	if !ok {
		return id, nil, errNotConnected(id, slot.record.State())
	}
	return id, conn.Client, nil
}

// connectedClients returns every live client keyed by server.
func (m *Manager) connectedClients() map[ServerID]Client {
	out := make(map[ServerID]Client)
	for id, slot := range m.servers.Snapshot() {
		if conn, ok := slot.record.(Connected); ok {
			out[id] = conn.Client
		}
	}
	return out
}

// ListPrompts gathers prompts from every connected server that offers them.
// A server that fails to answer is logged and skipped.
func (m *Manager) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	if m.disposing.Load() {
		return nil, errDisposed()
	}

	var (
		mu  sync.Mutex
		out []PromptDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for id, client := range m.connectedClients() {
		if client.Capabilities().Prompts == nil {
			continue
		}
		g.Go(func() error {
			prompts, err := client.ListPrompts(gctx)
			if err != nil {
				m.logger.Warn("failed to list prompts", "server", id.String(), "error", err)
				return nil
			}
			mu.Lock()
			for _, p := range prompts {
				out = append(out, PromptDescriptor{Server: id, Prompt: p})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server.String() < out[j].Server.String()
		}
		return out[i].Prompt.Name < out[j].Prompt.Name
	})
	return out, ctx.Err()
}

// ListResources gathers resources from every connected server that offers them.
func (m *Manager) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if m.disposing.Load() {
		return nil, errDisposed()
	}

	var (
		mu  sync.Mutex
		out []ResourceDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for id, client := range m.connectedClients() {
		if client.Capabilities().Resources == nil {
			continue
		}
		g.Go(func() error {
			resources, err := client.ListResources(gctx)
			if err != nil {
				m.logger.Warn("failed to list resources", "server", id.String(), "error", err)
				return nil
			}
			mu.Lock()
			for _, r := range resources {
				out = append(out, ResourceDescriptor{Server: id, Resource: r})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server.String() < out[j].Server.String()
		}
		return out[i].Resource.URI < out[j].Resource.URI
	})
	return out, ctx.Err()
}

// GetPrompt renders a prompt template on one server.
func (m *Manager) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	id, client, err := m.connectedClient(server)
	if err != nil {
		return nil, err
	}
	if client.Capabilities().Prompts == nil {
		return nil, errUnsupported(id, "prompts")
	}
	res, err := client.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, errTransport("get prompt "+name, id, err)
	}
	return res, nil
}

// ReadResource reads a resource from one server.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (*mcp.ReadResourceResult, error) {
	id, client, err := m.connectedClient(server)
	if err != nil {
		return nil, err
	}
	if client.Capabilities().Resources == nil {
		return nil, errUnsupported(id, "resources")
	}
	res, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, errTransport("read resource "+uri, id, err)
	}
	return res, nil
}

// ServerLogs returns up to n recent log lines for a server. n <= 0 returns all.
func (m *Manager) ServerLogs(name string, n int) ([]LogLine, error) {
	id, err := NewServerID(name)
	if err != nil {
		return nil, err
	}
	if _, ok := m.servers.Peek(id); !ok {
		return nil, errServerNotFound(id)
	}
	return m.logs.Lines(id.String(), n), nil
}

// Uptime returns how long a server has been connected, zero otherwise.
func (m *Manager) Uptime(name string) time.Duration {
	st, err := m.ServerStatus(name)
	if err != nil || st.State != StateConnected {
		return 0
	}
	return time.Since(st.Since)
}
