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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rivo/uniseg"
)

const (
	// DefaultMaxOutputTokens is the hard ceiling on tool output.
	DefaultMaxOutputTokens = 25000
	// DefaultWarnOutputTokens is the size above which a warning is emitted.
	DefaultWarnOutputTokens = 10000

	truncationNotice = "\n\n[Output truncated: %d tokens exceeded the %d token limit]"
)

// outputGuard bounds the size of tool results.
type outputGuard struct {
	counter    TokenCounter
	maxTokens  int
	warnTokens int
}

type guardOutcome struct {
	tokens    int
	truncated bool
	warned    bool
}

// enforce measures res and, when it exceeds the ceiling, returns a replacement
// holding the longest prefix that fits followed by a truncation notice.
func (g *outputGuard) enforce(res *mcp.CallToolResult) (*mcp.CallToolResult, guardOutcome) {
	if res == nil || g.counter == nil {
		return res, guardOutcome{}
	}

	text := renderResult(res)
	n := g.counter.CountTokens(text)
	out := guardOutcome{tokens: n}

	if g.maxTokens > 0 && n > g.maxTokens {
		notice := fmt.Sprintf(truncationNotice, n, g.maxTokens)
		budget := g.maxTokens - g.counter.CountTokens(notice)
		if budget < 0 {
			budget = 0
		}
		prefix := TruncateToTokens(text, budget, g.counter)
		out.truncated = true
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(prefix + notice)},
			IsError: res.IsError,
		}, out
	}

	if g.warnTokens > 0 && n > g.warnTokens {
		out.warned = true
	}
	return res, out
}

// TruncateToTokens returns the longest prefix of text, cut on grapheme cluster
// boundaries, whose token count is at most limit. It binary-searches over
// clusters and assumes counts never shrink as the prefix grows.
func TruncateToTokens(text string, limit int, counter TokenCounter) string {
	if counter.CountTokens(text) <= limit {
		return text
	}

	bounds := graphemeEnds(text)
	lo, hi := 0, len(bounds)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.CountTokens(text[:bounds[mid-1]]) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return text[:bounds[lo-1]]
}

// graphemeEnds returns the byte offset just past each grapheme cluster.
func graphemeEnds(text string) []int {
	ends := make([]int, 0, len(text))
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		_, to := g.Positions()
		ends = append(ends, to)
	}
	return ends
}

// renderResult flattens a result into the text the caller's model would see.
func renderResult(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		parts = append(parts, string(b))
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// validationContent picks what to check against an output schema: structured
// content when present, else the first text block parsed as JSON.
func validationContent(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	for _, c := range res.Content {
		tc, ok := mcp.AsTextContent(c)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(tc.Text), &v); err == nil {
			return v
		}
		return tc.Text
	}
	return nil
}
