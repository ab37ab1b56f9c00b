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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/mcplink/internal/mcp/progress"
)

// EventType represents the type of session manager event.
type EventType string

const (
	EventServerAdded           EventType = "server_added"
	EventServerRemoved         EventType = "server_removed"
	EventServerError           EventType = "server_error"
	EventReconnectScheduled    EventType = "reconnection_scheduled"
	EventReconnectSucceeded    EventType = "reconnection_succeeded"
	EventReconnectFailed       EventType = "reconnection_failed"
	EventServerUnhealthy       EventType = "server_unhealthy"
	EventProgress              EventType = "progress"
	EventResourceUpdated       EventType = "resource_updated"
	EventResourceListChanged   EventType = "resource_list_changed"
	EventPromptListChanged     EventType = "prompt_list_changed"
	EventToolListChanged       EventType = "tool_list_changed"
	EventTokenWarning          EventType = "token_warning"
	EventTokenLimitExceeded    EventType = "token_limit_exceeded"
	EventSchemaValidationError EventType = "schema_validation_failed"
)

// Event is a notification observed by subscribers.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Server is the server name, if the event concerns one.
	Server string `json:"server,omitempty"`

	// Tool is the namespaced tool name, if the event concerns one.
	Tool string `json:"tool,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Message is an optional human-readable message.
	Message string `json:"message,omitempty"`

	// Details contains additional event-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// EventEmitter logs events and fans them out to subscribers. Listeners run
// synchronously on the emitting goroutine and must not block.
type EventEmitter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[int]func(Event)
	nextID    int
	closed    bool
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter(logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{
		logger:    logger,
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every future event. The returned func removes it.
func (e *EventEmitter) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Close detaches every listener. Later events are still logged.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.listeners = make(map[int]func(Event))
	e.mu.Unlock()
}

// Emit logs an event and delivers it to subscribers.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{"type", string(event.Type)}
	if event.Server != "" {
		attrs = append(attrs, "server", event.Server)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelInfo
	switch event.Type {
	case EventProgress, EventResourceUpdated:
		level = slog.LevelDebug
	case EventServerError, EventServerUnhealthy, EventReconnectFailed, EventTokenLimitExceeded:
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "MCP event", attrs...)

	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// EmitServerAdded emits a server added event.
func (e *EventEmitter) EmitServerAdded(id ServerID, tools int) {
	e.Emit(Event{
		Type:    EventServerAdded,
		Server:  id.String(),
		Message: "Server connected",
		Details: map[string]any{"tool_count": tools},
	})
}

// EmitServerRemoved emits a server removed event.
func (e *EventEmitter) EmitServerRemoved(id ServerID) {
	e.Emit(Event{
		Type:    EventServerRemoved,
		Server:  id.String(),
		Message: "Server removed",
	})
}

// EmitServerError emits a server error event.
func (e *EventEmitter) EmitServerError(id ServerID, err error) {
	e.Emit(Event{
		Type:    EventServerError,
		Server:  id.String(),
		Message: "Server error",
		Details: map[string]any{"error": err.Error()},
	})
}

// EmitReconnectScheduled emits a reconnection scheduled event.
func (e *EventEmitter) EmitReconnectScheduled(id ServerID, attempt int, delay time.Duration) {
	e.Emit(Event{
		Type:    EventReconnectScheduled,
		Server:  id.String(),
		Message: "Reconnection scheduled",
		Details: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()},
	})
}

// EmitReconnectSucceeded emits a reconnection succeeded event.
func (e *EventEmitter) EmitReconnectSucceeded(id ServerID, attempt int) {
	e.Emit(Event{
		Type:    EventReconnectSucceeded,
		Server:  id.String(),
		Message: "Reconnected",
		Details: map[string]any{"attempt": attempt},
	})
}

// EmitReconnectFailed emits a reconnection failed event once retries are exhausted.
func (e *EventEmitter) EmitReconnectFailed(id ServerID, attempts int, err error) {
	details := map[string]any{"attempts": attempts}
	if err != nil {
		details["error"] = err.Error()
	}
	e.Emit(Event{
		Type:    EventReconnectFailed,
		Server:  id.String(),
		Message: "Reconnection attempts exhausted",
		Details: details,
	})
}

// EmitUnhealthy emits a server unhealthy event.
func (e *EventEmitter) EmitUnhealthy(id ServerID, reason string) {
	e.Emit(Event{
		Type:    EventServerUnhealthy,
		Server:  id.String(),
		Message: "Server is unhealthy",
		Details: map[string]any{"reason": reason},
	})
}

// EmitProgress emits a progress event.
func (e *EventEmitter) EmitProgress(u progress.Update) {
	details := map[string]any{"token": u.Token, "progress": u.Progress}
	if u.Total > 0 {
		details["total"] = u.Total
	}
	e.Emit(Event{
		Type:    EventProgress,
		Server:  u.Server,
		Message: u.Message,
		Details: details,
	})
}

// EmitResourceUpdated emits a resource updated event.
func (e *EventEmitter) EmitResourceUpdated(id ServerID, uri string) {
	e.Emit(Event{
		Type:    EventResourceUpdated,
		Server:  id.String(),
		Details: map[string]any{"uri": uri},
	})
}

// EmitListChanged emits one of the list-changed events.
func (e *EventEmitter) EmitListChanged(t EventType, id ServerID) {
	e.Emit(Event{Type: t, Server: id.String()})
}

// EmitTokenWarning emits a token warning event.
func (e *EventEmitter) EmitTokenWarning(id ToolID, tokens, threshold int) {
	e.Emit(Event{
		Type:    EventTokenWarning,
		Server:  id.Server().String(),
		Tool:    id.String(),
		Message: "Tool output is large",
		Details: map[string]any{"tokens": tokens, "threshold": threshold},
	})
}

// EmitTokenLimitExceeded emits a token limit exceeded event.
func (e *EventEmitter) EmitTokenLimitExceeded(id ToolID, tokens, limit int) {
	e.Emit(Event{
		Type:    EventTokenLimitExceeded,
		Server:  id.Server().String(),
		Tool:    id.String(),
		Message: "Tool output truncated",
		Details: map[string]any{"tokens": tokens, "limit": limit},
	})
}

// EmitSchemaValidationFailed emits a schema validation failure event.
func (e *EventEmitter) EmitSchemaValidationFailed(id ToolID, errs []string) {
	e.Emit(Event{
		Type:    EventSchemaValidationError,
		Server:  id.Server().String(),
		Tool:    id.String(),
		Message: "Tool output does not match its output schema",
		Details: map[string]any{"errors": errs},
	})
}
