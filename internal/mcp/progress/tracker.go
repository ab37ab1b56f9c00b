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

// Package progress routes MCP progress notifications to the caller that
// started the request.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Update is one progress notification.
type Update struct {
	Token    string  `json:"token"`
	Server   string  `json:"server,omitempty"`
	Progress float64 `json:"progress"`
	// Total is zero when the server does not know it.
	Total   float64 `json:"total,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Tracker maps progress tokens to callbacks.
type Tracker struct {
	mu        sync.RWMutex
	callbacks map[string]func(Update)
	logger    *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		callbacks: make(map[string]func(Update)),
		logger:    logger,
	}
}

// CreateToken returns a fresh token suitable for _meta.progressToken.
func (t *Tracker) CreateToken() string {
	return "progress-" + uuid.NewString()
}

// OnProgress registers fn for token, replacing any earlier callback.
func (t *Tracker) OnProgress(token string, fn func(Update)) {
	if token == "" || fn == nil {
		return
	}
	t.mu.Lock()
	t.callbacks[token] = fn
	t.mu.Unlock()
}

// HandleNotification delivers u to its callback. It reports whether one was registered.
func (t *Tracker) HandleNotification(u Update) bool {
	t.mu.RLock()
	fn, ok := t.callbacks[u.Token]
	t.mu.RUnlock()
	if !ok {
		t.logger.Debug("progress for unknown token", "token", u.Token, "server", u.Server)
		return false
	}
	fn(u)
	return true
}

// Cleanup forgets token.
func (t *Tracker) Cleanup(token string) {
	t.mu.Lock()
	delete(t.callbacks, token)
	t.mu.Unlock()
}

// Active returns the number of registered tokens.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.callbacks)
}

// FromParams builds an Update from the params of a notifications/progress message.
func FromParams(server string, params map[string]any) (Update, bool) {
	token, ok := NormalizeToken(params["progressToken"])
	if !ok {
		return Update{}, false
	}
	u := Update{Token: token, Server: server}
	u.Progress, _ = toFloat(params["progress"])
	u.Total, _ = toFloat(params["total"])
	if msg, ok := params["message"].(string); ok {
		u.Message = msg
	}
	return u, true
}

// NormalizeToken renders a JSON progress token (string or integer) as a string key.
func NormalizeToken(token any) (string, bool) {
	switch v := token.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case int:
		return fmt.Sprintf("%d", v), true
	case int64:
		return fmt.Sprintf("%d", v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		if math.Trunc(v) == v {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
