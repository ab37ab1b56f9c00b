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
	"bufio"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultLogLines is how many stderr lines are kept per server.
const DefaultLogLines = 500

// LogLine is one line a server wrote to stderr or sent as a log notification.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stderr" or "notification"
	Level     string    `json:"level,omitempty"`
	Text      string    `json:"text"`
}

// lineRing keeps the most recent lines for one server.
type lineRing struct {
	mu    sync.RWMutex
	lines []LogLine
	next  int
	full  bool
}

func newLineRing(capacity int) *lineRing {
	return &lineRing{lines: make([]LogLine, capacity)}
}

func (r *lineRing) add(l LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = l
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n lines, oldest first. n <= 0 returns everything.
func (r *lineRing) last(n int) []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.next
	if r.full {
		count = len(r.lines)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]LogLine, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// LogCapture holds recent output per server so failures can be diagnosed
// after the process is gone.
type LogCapture struct {
	mu       sync.RWMutex
	rings    map[string]*lineRing
	capacity int
}

// NewLogCapture creates a capture keeping capacity lines per server.
func NewLogCapture(capacity int) *LogCapture {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &LogCapture{rings: make(map[string]*lineRing), capacity: capacity}
}

func (lc *LogCapture) ring(server string) *lineRing {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	r, ok := lc.rings[server]
	if !ok {
		r = newLineRing(lc.capacity)
		lc.rings[server] = r
	}
	return r
}

// Add records a line for server.
func (lc *LogCapture) Add(server string, line LogLine) {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	lc.ring(server).add(line)
}

// Lines returns up to n recent lines for server.
func (lc *LogCapture) Lines(server string, n int) []LogLine {
	lc.mu.RLock()
	r, ok := lc.rings[server]
	lc.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.last(n)
}

// RemoveServer drops the buffer for server.
func (lc *LogCapture) RemoveServer(server string) {
	lc.mu.Lock()
	delete(lc.rings, server)
	lc.mu.Unlock()
}

// Drain reads r line by line into the capture until EOF. Lines are also
// logged at debug level unless quiet is set.
func (lc *LogCapture) Drain(server string, r io.Reader, logger *slog.Logger, quiet bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		lc.Add(server, LogLine{Source: "stderr", Text: text})
		if !quiet && logger != nil {
			logger.Debug("MCP server stderr", "server", server, "line", text)
		}
	}
}
