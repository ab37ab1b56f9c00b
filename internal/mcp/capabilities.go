package mcp

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// CapabilitiesSummary is a flattened view of what a server declared. It is
// derived from the live session on every call and never cached.
type CapabilitiesSummary struct {
	Tools                bool     `json:"tools"`
	ToolsListChanged     bool     `json:"tools_list_changed"`
	Resources            bool     `json:"resources"`
	ResourceSubscribe    bool     `json:"resource_subscribe"`
	ResourcesListChanged bool     `json:"resources_list_changed"`
	Prompts              bool     `json:"prompts"`
	PromptsListChanged   bool     `json:"prompts_list_changed"`
	Logging              bool     `json:"logging"`
	Sampling             bool     `json:"sampling"`
	Experimental         []string `json:"experimental,omitempty"`
}

// Summarize flattens protocol capabilities.
func Summarize(c mcp.ServerCapabilities) CapabilitiesSummary {
	s := CapabilitiesSummary{
		Logging:  c.Logging != nil,
		Sampling: c.Sampling != nil,
	}
	if c.Tools != nil {
		s.Tools = true
		s.ToolsListChanged = c.Tools.ListChanged
	}
	if c.Resources != nil {
		s.Resources = true
		s.ResourceSubscribe = c.Resources.Subscribe
		s.ResourcesListChanged = c.Resources.ListChanged
	}
	if c.Prompts != nil {
		s.Prompts = true
		s.PromptsListChanged = c.Prompts.ListChanged
	}
	for k := range c.Experimental {
		s.Experimental = append(s.Experimental, k)
	}
	sort.Strings(s.Experimental)
	return s
}

// features lists the flags that are set, using stable names.
func (s CapabilitiesSummary) features() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(s.Tools, "tools")
	add(s.ToolsListChanged, "tools.listChanged")
	add(s.Resources, "resources")
	add(s.ResourceSubscribe, "resources.subscribe")
	add(s.ResourcesListChanged, "resources.listChanged")
	add(s.Prompts, "prompts")
	add(s.PromptsListChanged, "prompts.listChanged")
	add(s.Logging, "logging")
	add(s.Sampling, "sampling")
	for _, e := range s.Experimental {
		out = append(out, "experimental."+e)
	}
	return out
}

// CapabilityDiff lists features present in one summary but not the other.
type CapabilityDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether the summaries were identical.
func (d CapabilityDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// CompareCapabilities returns what b has that a lacks (Added) and the reverse (Removed).
func CompareCapabilities(a, b CapabilitiesSummary) CapabilityDiff {
	before := make(map[string]bool)
	for _, f := range a.features() {
		before[f] = true
	}
	after := make(map[string]bool)
	for _, f := range b.features() {
		after[f] = true
	}

	var d CapabilityDiff
	for _, f := range b.features() {
		if !before[f] {
			d.Added = append(d.Added, f)
		}
	}
	for _, f := range a.features() {
		if !after[f] {
			d.Removed = append(d.Removed, f)
		}
	}
	return d
}

// Capabilities returns the summary for a connected server.
func (m *Manager) Capabilities(name string) (CapabilitiesSummary, error) {
	_, client, err := m.connectedClient(name)
	if err != nil {
		return CapabilitiesSummary{}, err
	}
	return Summarize(client.Capabilities()), nil
}

// CompareServerCapabilities diffs two connected servers.
func (m *Manager) CompareServerCapabilities(a, b string) (CapabilityDiff, error) {
	ca, err := m.Capabilities(a)
	if err != nil {
		return CapabilityDiff{}, err
	}
	cb, err := m.Capabilities(b)
	if err != nil {
		return CapabilityDiff{}, err
	}
	return CompareCapabilities(ca, cb), nil
}

// ServersWithCapability returns the connected servers whose summary satisfies pred, sorted.
func (m *Manager) ServersWithCapability(pred func(CapabilitiesSummary) bool) []string {
	var out []string
	for id, client := range m.connectedClients() {
		if pred(Summarize(client.Capabilities())) {
			out = append(out, id.String())
		}
	}
	sort.Strings(out)
	return out
}

// SubscribeResource subscribes to updates for uri on a server that supports it.
func (m *Manager) SubscribeResource(ctx context.Context, server, uri string) error {
	id, client, err := m.connectedClient(server)
	if err != nil {
		return err
	}
	if !Summarize(client.Capabilities()).ResourceSubscribe {
		return errUnsupported(id, "resource subscriptions")
	}
	if m.subscriptions.IsSubscribed(id.String(), uri) {
		return nil
	}
	if err := client.Subscribe(ctx, uri); err != nil {
		return errTransport("subscribe "+uri, id, err)
	}
	m.subscriptions.Subscribe(id.String(), uri)
	return nil
}

// UnsubscribeResource stops updates for uri. Unknown subscriptions are a no-op.
func (m *Manager) UnsubscribeResource(ctx context.Context, server, uri string) error {
	id, client, err := m.connectedClient(server)
	if err != nil {
		return err
	}
	if !Summarize(client.Capabilities()).ResourceSubscribe {
		return errUnsupported(id, "resource subscriptions")
	}
	if !m.subscriptions.Unsubscribe(id.String(), uri) {
		return nil
	}
	if err := client.Unsubscribe(ctx, uri); err != nil {
		return errTransport("unsubscribe "+uri, id, err)
	}
	return nil
}

// resubscribe restores recorded subscriptions after a reconnect.
func (m *Manager) resubscribe(id ServerID, client Client) {
	uris := m.subscriptions.URIs(id.String())
	if len(uris) == 0 {
		return
	}
	if !Summarize(client.Capabilities()).ResourceSubscribe {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HealthCheckTimeout)
	defer cancel()
	for _, uri := range uris {
		if err := client.Subscribe(ctx, uri); err != nil {
			m.logger.Warn("failed to restore resource subscription", "server", id.String(), "uri", uri, "error", err)
		}
	}
}
