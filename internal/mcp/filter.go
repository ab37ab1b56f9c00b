package mcp

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// ToolFilter decides which of a server's tools enter the registry.
// Blocked patterns take precedence; an empty allow list allows everything.
type ToolFilter struct {
	Allowed []string
	Blocked []string
}

// Allows reports whether toolName passes the filter.
func (f ToolFilter) Allows(toolName string) bool {
	for _, pattern := range f.Blocked {
		if matchesToolPattern(toolName, pattern) {
			return false
		}
	}
	if len(f.Allowed) == 0 {
		return true
	}
	for _, pattern := range f.Allowed {
		if matchesToolPattern(toolName, pattern) {
			return true
		}
	}
	return false
}

// matchesToolPattern checks if a tool name matches a glob like "read_*".
func matchesToolPattern(toolName, pattern string) bool {
	if toolName == pattern {
		return true
	}
	matched, err := doublestar.Match(pattern, toolName)
	if err != nil {
		return false
	}
	return matched
}

// ValidateToolPattern rejects malformed glob patterns.
func ValidateToolPattern(pattern string) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid tool pattern %q", pattern)
	}
	return nil
}
