package mcp

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caps(t *testing.T, js string) mcp.ServerCapabilities {
	t.Helper()
	var c mcp.ServerCapabilities
	require.NoError(t, json.Unmarshal([]byte(js), &c))
	return c
}

func TestSummarize(t *testing.T) {
	s := Summarize(caps(t, `{
		"tools": {"listChanged": true},
		"resources": {"subscribe": true},
		"logging": {},
		"experimental": {"zeta": {}, "alpha": {}}
	}`))

	assert.True(t, s.Tools)
	assert.True(t, s.ToolsListChanged)
	assert.True(t, s.Resources)
	assert.True(t, s.ResourceSubscribe)
	assert.False(t, s.ResourcesListChanged)
	assert.False(t, s.Prompts)
	assert.True(t, s.Logging)
	assert.False(t, s.Sampling)
	assert.Equal(t, []string{"alpha", "zeta"}, s.Experimental)

	assert.Equal(t, CapabilitiesSummary{}, Summarize(mcp.ServerCapabilities{}))
}

func TestCompareCapabilities(t *testing.T) {
	a := Summarize(caps(t, `{"tools": {}, "prompts": {"listChanged": true}}`))
	b := Summarize(caps(t, `{"tools": {}, "resources": {"subscribe": true}}`))

	d := CompareCapabilities(a, b)
	assert.Equal(t, []string{"resources", "resources.subscribe"}, d.Added)
	assert.Equal(t, []string{"prompts", "prompts.listChanged"}, d.Removed)
	assert.False(t, d.Empty())

	assert.True(t, CompareCapabilities(a, a).Empty())
}
