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

// Package cancellation tracks in-flight MCP requests so they can be cancelled
// individually or all at once.
package cancellation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Request is an in-flight call that can be cancelled.
type Request struct {
	ID        string
	Server    string
	Tool      string
	StartedAt time.Time

	// Cancel aborts the call's context.
	Cancel context.CancelCauseFunc

	// Notify tells the server about the cancellation. Optional, best effort.
	Notify func(reason string)
}

// Error is the context cause of a cancelled request.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "request cancelled"
	}
	return "request cancelled: " + e.Reason
}

// ReasonFrom extracts the cancellation reason from a context cause chain.
func ReasonFrom(err error) (string, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

type entry struct {
	req       Request
	cancelled bool
	reason    string
}

// Registry holds every cancellable request until it is cleaned up.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*entry
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		requests: make(map[string]*entry),
		logger:   logger,
	}
}

// Register starts tracking req.
func (r *Registry) Register(req Request) {
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}
	r.mu.Lock()
	r.requests[req.ID] = &entry{req: req}
	r.mu.Unlock()
}

// Cancel cancels the request with id. It returns false when the request is
// unknown (already finished) or was cancelled before.
func (r *Registry) Cancel(id, reason string) bool {
	r.mu.Lock()
	e, ok := r.requests[id]
	if !ok || e.cancelled {
		r.mu.Unlock()
		return false
	}
	e.cancelled = true
	e.reason = reason
	req := e.req
	r.mu.Unlock()

	r.fire(req, reason)
	return true
}

// CancelAll cancels every tracked request and returns how many were cancelled.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	var pending []Request
	for _, e := range r.requests {
		if e.cancelled {
			continue
		}
		e.cancelled = true
		e.reason = reason
		pending = append(pending, e.req)
	}
	r.mu.Unlock()

	for _, req := range pending {
		r.fire(req, reason)
	}
	return len(pending)
}

func (r *Registry) fire(req Request, reason string) {
	r.logger.Debug("cancelling request", "request_id", req.ID, "server", req.Server, "tool", req.Tool, "reason", reason)
	if req.Cancel != nil {
		req.Cancel(&Error{Reason: reason})
	}
	if req.Notify != nil {
		go req.Notify(reason)
	}
}

// IsCancelled reports whether id was cancelled and is still tracked.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.requests[id]
	return ok && e.cancelled
}

// Reason returns the reason id was cancelled with.
func (r *Registry) Reason(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.requests[id]
	if !ok || !e.cancelled {
		return "", false
	}
	return e.reason, true
}

// Cleanup stops tracking id.
func (r *Registry) Cleanup(id string) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// Pending returns the tracked requests, oldest first.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	out := make([]Request, 0, len(r.requests))
	for _, e := range r.requests {
		out = append(out, e.req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
