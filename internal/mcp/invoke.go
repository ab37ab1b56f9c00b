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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/mcplink/internal/mcp/cancellation"
	"github.com/tombee/mcplink/internal/mcp/progress"
)

const cancelNotifyTimeout = 5 * time.Second

// CallTool calls a tool by its namespaced name ("server.tool").
func (m *Manager) CallTool(ctx context.Context, name string, args any, opts CallOptions) (*CallResult, error) {
	id, err := ParseToolID(name)
	if err != nil {
		return nil, err
	}
	return m.invoke(ctx, id, args, opts, uuid.NewString(), false)
}

// CallToolWithProgress calls a tool and delivers its progress notifications to onProgress.
func (m *Manager) CallToolWithProgress(ctx context.Context, name string, args any, opts CallOptions, onProgress func(progress.Update)) (*CallResult, error) {
	id, err := ParseToolID(name)
	if err != nil {
		return nil, err
	}

	token := m.progress.CreateToken()
	if onProgress != nil {
		m.progress.OnProgress(token, onProgress)
	}
	defer m.progress.Cleanup(token)

	opts.ProgressToken = token
	return m.invoke(ctx, id, args, opts, uuid.NewString(), false)
}

// PendingCall is a tool call running in the background that can be cancelled.
type PendingCall struct {
	id   string
	m    *Manager
	done chan struct{}

	result *CallResult
	err    error
}

// ID returns the request ID accepted by CancelRequest.
func (p *PendingCall) ID() string {
	return p.id
}

// Cancel aborts the call. It returns false if the call already settled or was cancelled.
func (p *PendingCall) Cancel(reason string) bool {
	return p.m.cancellations.Cancel(p.id, reason)
}

// Done is closed when the call settles.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the call settles. A cancelled call yields a CallResult
// with Cancelled set and a nil error.
func (p *PendingCall) Wait(ctx context.Context) (*CallResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallToolCancellable starts a tool call in the background.
func (m *Manager) CallToolCancellable(ctx context.Context, name string, args any, opts CallOptions) (*PendingCall, error) {
	if m.disposing.Load() {
		return nil, errDisposed()
	}
	tid, err := ParseToolID(name)
	if err != nil {
		return nil, err
	}

	p := &PendingCall{id: uuid.NewString(), m: m, done: make(chan struct{})}
	callCtx, cancel := context.WithCancelCause(ctx)
	server := tid.Server()

	m.cancellations.Register(cancellation.Request{
		ID:        p.id,
		Server:    server.String(),
		Tool:      tid.String(),
		StartedAt: time.Now(),
		Cancel:    cancel,
		Notify: func(reason string) {
			m.notifyCancelled(server, p.id, reason)
		},
	})

	go func() {
		p.result, p.err = m.invoke(callCtx, tid, args, opts, p.id, true)
		m.cancellations.Cleanup(p.id)
		cancel(nil)
		close(p.done)
	}()
	return p, nil
}

// CancelRequest cancels one in-flight cancellable call.
func (m *Manager) CancelRequest(requestID, reason string) bool {
	return m.cancellations.Cancel(requestID, reason)
}

// CancelAllRequests cancels every in-flight cancellable call and returns how many were cancelled.
func (m *Manager) CancelAllRequests(reason string) int {
	return m.cancellations.CancelAll(reason)
}

// notifyCancelled tells the server a request was abandoned. Best effort.
func (m *Manager) notifyCancelled(id ServerID, requestID, reason string) {
	slot, ok := m.servers.Peek(id)
	if !ok {
		return
	}
	conn, ok := slot.record.(Connected)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, cancelNotifyTimeout)
	defer cancel()
	if err := conn.Client.NotifyCancelled(ctx, requestID, reason); err != nil {
		m.logger.Debug("failed to send cancellation notice", "server", id.String(), "request_id", requestID, "error", err)
	}
}

// callTarget is what invoke snapshots under the server key.
type callTarget struct {
	client  Client
	tool    ToolDescriptor
	timeout time.Duration
	limiter *rate.Limiter
}

// invoke runs the tool call pipeline. When cancellable is set, a cancellation
// reported by the session itself settles the call as cancelled too.
func (m *Manager) invoke(ctx context.Context, tid ToolID, args any, opts CallOptions, requestID string, cancellable bool) (*CallResult, error) {
	if m.disposing.Load() {
		return nil, errDisposed()
	}

	server := tid.Server()
	slot, ok := m.servers.Peek(server)
	if !ok {
		return nil, errToolNotFound(tid)
	}
	if _, ok := slot.tools[tid.Name()]; !ok {
		return nil, errToolNotFound(tid)
	}

	target, err := WithKey(ctx, m.servers, server, func(e *Entry[ServerID, serverSlot]) (callTarget, error) {
		slot, ok := e.Get()
		if !ok {
			return callTarget{}, errDisconnectedDuringPreparation(server)
		}
		conn, ok := slot.record.(Connected)
		if !ok {
			return callTarget{}, errDisconnectedDuringPreparation(server)
		}
		tool, ok := slot.tools[tid.Name()]
		if !ok {
			return callTarget{}, errToolNotFound(tid)
		}
		return callTarget{
			client:  conn.Client,
			tool:    tool,
			timeout: slot.config.Timeout,
			limiter: slot.limiter,
		}, nil
	})
	if err != nil {
		if r, ok := cancelledOutcome(ctx); ok {
			return r, nil
		}
		return nil, err
	}

	// The key was released; make sure the session we snapshotted is still current.
	if !m.isCurrentClient(server, target.client) {
		return nil, errDisconnectedDuringPreparation(server)
	}

	arguments := sanitizeArguments(args)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = target.timeout
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultToolTimeout
	}

	ctx, span := m.tracer.Start(ctx, "mcp.call_tool",
		trace.WithAttributes(
			attribute.String("mcp.server", server.String()),
			attribute.String("mcp.tool", tid.Name()),
			attribute.String("mcp.request_id", requestID),
		))
	defer span.End()

	started := time.Now()
	rec := CallRecord{
		RequestID: requestID,
		Server:    server.String(),
		Tool:      tid.Name(),
		StartedAt: started,
	}

	if target.limiter != nil {
		if err := target.limiter.Wait(ctx); err != nil {
			if r, ok := cancelledOutcome(ctx); ok {
				m.finishCall(rec, OutcomeCancelled, nil)
				return r, nil
			}
			err = errTransport("rate limit wait", server, err)
			m.finishCall(rec, OutcomeError, err)
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := target.client.CallTool(callCtx, ToolCall{
		Name:          tid.Name(),
		Arguments:     arguments,
		ProgressToken: opts.ProgressToken,
		RequestID:     requestID,
	})
	if err != nil {
		if r, ok := cancelledOutcome(ctx); ok {
			r.Duration = time.Since(started)
			span.SetStatus(codes.Error, "cancelled")
			m.finishCall(rec, OutcomeCancelled, nil)
			return r, nil
		}
		if cancellable {
			if r, ok := sessionCancelledOutcome(callCtx, err); ok && m.isCurrentClient(server, target.client) {
				r.Duration = time.Since(started)
				span.SetStatus(codes.Error, "cancelled")
				m.finishCall(rec, OutcomeCancelled, nil)
				return r, nil
			}
		}
		err = m.classifyCallError(tid, target.client, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		m.finishCall(rec, OutcomeError, err)
		return nil, err
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}

	result := &CallResult{Duration: time.Since(started)}

	// Validate before truncation so the schema sees the full output.
	if len(target.tool.OutputSchema) > 0 && !opts.SkipOutputValidation && !res.IsError {
		v := m.validator.ValidateContent(target.tool.OutputSchema, validationContent(res))
		result.Validation = &v
		if !v.Valid() {
			m.events.EmitSchemaValidationFailed(tid, v.Errors)
		}
	}

	guarded, g := m.guard.enforce(res)
	result.Result = guarded
	result.Tokens = g.tokens
	result.Truncated = g.truncated
	switch {
	case g.truncated:
		recordTruncation(server.String())
		m.events.EmitTokenLimitExceeded(tid, g.tokens, m.guard.maxTokens)
	case g.warned:
		m.events.EmitTokenWarning(tid, g.tokens, m.guard.warnTokens)
	}

	rec.Tokens = g.tokens
	rec.Truncated = g.truncated
	outcome := OutcomeSuccess
	if res.IsError {
		outcome = OutcomeToolError
	}
	span.SetAttributes(attribute.Int("mcp.output_tokens", g.tokens), attribute.Bool("mcp.truncated", g.truncated))
	m.finishCall(rec, outcome, nil)
	return result, nil
}

// isCurrentClient reports whether client is still the live session for id.
func (m *Manager) isCurrentClient(id ServerID, client Client) bool {
	slot, ok := m.servers.Peek(id)
	if !ok {
		return false
	}
	conn, ok := slot.record.(Connected)
	return ok && conn.Client == client
}

// classifyCallError distinguishes a server going away mid-call from an ordinary failure.
func (m *Manager) classifyCallError(tid ToolID, client Client, err error) error {
	slot, ok := m.servers.Peek(tid.Server())
	if !ok {
		return errInterrupted(tid, err)
	}
	switch r := slot.record.(type) {
	case Disconnecting, Failed:
		return errInterrupted(tid, err)
	case Connected:
		if r.Client != client {
			return errInterrupted(tid, err)
		}
	}
	return errTransport("call tool "+tid.Name(), tid.Server(), err)
}

// cancelledOutcome returns a cancelled result if ctx was cancelled through the registry.
func cancelledOutcome(ctx context.Context) (*CallResult, bool) {
	if ctx.Err() == nil {
		return nil, false
	}
	reason, ok := cancellation.ReasonFrom(context.Cause(ctx))
	if !ok {
		return nil, false
	}
	return &CallResult{Cancelled: true, CancelReason: reason}, true
}

// sessionCancelledOutcome returns a cancelled result when the session or the
// server abandoned the request. The call's own deadline is still a timeout.
func sessionCancelledOutcome(callCtx context.Context, err error) (*CallResult, bool) {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, false
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, mcp.ErrRequestInterrupted) {
		return nil, false
	}
	reason := err.Error()
	if cause := context.Cause(callCtx); cause != nil && !errors.Is(err, mcp.ErrRequestInterrupted) {
		reason = cause.Error()
	}
	return &CallResult{Cancelled: true, CancelReason: reason}, true
}

// finishCall updates metrics and hands the record to the recorder.
func (m *Manager) finishCall(rec CallRecord, outcome string, err error) {
	rec.Duration = time.Since(rec.StartedAt)
	rec.Outcome = outcome
	if err != nil {
		rec.Error = err.Error()
	}
	recordToolCall(rec.Server, outcome, rec.Duration)

	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordCall(context.Background(), rec); err != nil {
		m.logger.Warn("failed to record tool call", "server", rec.Server, "tool", rec.Tool, "error", err)
	}
}

// sanitizeArguments coerces args to a JSON object. Anything that is not an
// object becomes an empty one.
func sanitizeArguments(args any) map[string]any {
	switch v := args.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	case string:
		return decodeObject([]byte(v))
	}

	b, err := json.Marshal(args)
	if err != nil {
		return map[string]any{}
	}
	return decodeObject(b)
}

func decodeObject(b []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
