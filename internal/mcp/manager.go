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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tombee/mcplink/internal/mcp/cancellation"
	"github.com/tombee/mcplink/internal/mcp/progress"
	"github.com/tombee/mcplink/internal/mcp/schema"
	"github.com/tombee/mcplink/internal/mcp/subscription"
	"github.com/tombee/mcplink/internal/tokens"
)

const (
	// DefaultToolTimeout applies when neither the call nor the server sets one.
	DefaultToolTimeout = 60 * time.Second

	// DefaultInitTimeout bounds connect plus initialize.
	DefaultInitTimeout = 30 * time.Second

	// DefaultHealthCheckInterval is the time between health passes.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultHealthCheckTimeout bounds a single server's health check.
	DefaultHealthCheckTimeout = 10 * time.Second

	tracerName = "github.com/tombee/mcplink/internal/mcp"
)

// ManagerConfig configures the session manager. Nil collaborators get defaults.
type ManagerConfig struct {
	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Connector dials servers. Defaults to the mcp-go connector.
	Connector Connector

	TokenCounter  TokenCounter
	Validator     SchemaValidator
	Progress      ProgressTracker
	Cancellations CancellationRegistry
	Subscriptions SubscriptionRegistry

	// Recorder receives a record of every tool call (optional)
	Recorder CallRecorder

	// Logs collects server stderr and log notifications.
	Logs *LogCapture

	Reconnect ReconnectPolicy

	// HealthCheckInterval is zero for the default, negative to disable.
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	DefaultToolTimeout time.Duration
	DefaultInitTimeout time.Duration

	// MaxOutputTokens is the output ceiling. Zero uses the default, negative disables.
	MaxOutputTokens int
	// WarnOutputTokens is the warning threshold. Zero uses the default, negative disables.
	WarnOutputTokens int
}

// DefaultManagerConfig returns a config with every default filled in.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Reconnect:           DefaultReconnectPolicy(),
		HealthCheckInterval: DefaultHealthCheckInterval,
		HealthCheckTimeout:  DefaultHealthCheckTimeout,
		DefaultToolTimeout:  DefaultToolTimeout,
		DefaultInitTimeout:  DefaultInitTimeout,
		MaxOutputTokens:     DefaultMaxOutputTokens,
		WarnOutputTokens:    DefaultWarnOutputTokens,
	}
}

// serverSlot is everything the manager knows about one server. It is only
// written under the server's key; tools is replaced wholesale, never mutated.
type serverSlot struct {
	record   ConnectionRecord
	config   ServerConfig
	tools    map[string]ToolDescriptor
	attempts int
	timer    *reconnectTimer
	limiter  *rate.Limiter
}

// Manager owns every server connection and is safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	events *EventEmitter

	servers *Guarded[ServerID, serverSlot]

	connector     Connector
	guard         outputGuard
	validator     SchemaValidator
	progress      ProgressTracker
	cancellations CancellationRegistry
	subscriptions SubscriptionRegistry
	recorder      CallRecorder
	logs          *LogCapture

	refresh singleflight.Group
	tracer  trace.Tracer

	// ctx is the manager's lifecycle context
	ctx    context.Context
	cancel context.CancelFunc

	disposing   atomic.Bool
	disposeOnce sync.Once
	disposeErr  error

	healthCancel   context.CancelFunc
	healthWG       sync.WaitGroup
	healthInFlight atomic.Bool

	// backgroundMu orders goBackground against the start of dispose
	backgroundMu sync.Mutex
	backgroundWG sync.WaitGroup
}

// goBackground runs fn in a goroutine that dispose waits for. It returns
// false without running fn once the manager is disposing.
func (m *Manager) goBackground(fn func()) bool {
	m.backgroundMu.Lock()
	defer m.backgroundMu.Unlock()
	if m.disposing.Load() {
		return false
	}
	m.backgroundWG.Add(1)
	go func() {
		defer m.backgroundWG.Done()
		fn()
	}()
	return true
}

// NewManager creates a session manager and starts its health monitor.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	cfg.Reconnect = cfg.Reconnect.withDefaults()
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if cfg.DefaultToolTimeout <= 0 {
		cfg.DefaultToolTimeout = DefaultToolTimeout
	}
	if cfg.DefaultInitTimeout <= 0 {
		cfg.DefaultInitTimeout = DefaultInitTimeout
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.WarnOutputTokens == 0 {
		cfg.WarnOutputTokens = DefaultWarnOutputTokens
	}
	if cfg.Logs == nil {
		cfg.Logs = NewLogCapture(DefaultLogLines)
	}
	if cfg.Connector == nil {
		cfg.Connector = NewConnector(ConnectorConfig{Logger: logger, Logs: cfg.Logs})
	}
	if cfg.TokenCounter == nil {
		cfg.TokenCounter = tokens.NewCounter("", logger)
	}
	if cfg.Validator == nil {
		cfg.Validator = schema.NewValidator()
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.NewTracker(logger)
	}
	if cfg.Cancellations == nil {
		cfg.Cancellations = cancellation.NewRegistry(logger)
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = subscription.NewRegistry()
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		events:    NewEventEmitter(logger),
		servers:   NewGuarded[ServerID, serverSlot](),
		connector: cfg.Connector,
		guard: outputGuard{
			counter:    cfg.TokenCounter,
			maxTokens:  cfg.MaxOutputTokens,
			warnTokens: cfg.WarnOutputTokens,
		},
		validator:     cfg.Validator,
		progress:      cfg.Progress,
		cancellations: cfg.Cancellations,
		subscriptions: cfg.Subscriptions,
		recorder:      cfg.Recorder,
		logs:          cfg.Logs,
		tracer:        otel.Tracer(tracerName),
		ctx:           ctx,
		cancel:        cancel,
	}

	if cfg.HealthCheckInterval > 0 {
		m.startHealthMonitor(cfg.HealthCheckInterval)
	}
	return m
}

// Events returns the emitter carrying lifecycle, progress and output events.
func (m *Manager) Events() *EventEmitter {
	return m.events
}

// Subscribe registers fn for every manager event. The returned func removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.events.Subscribe(fn)
}

// AddServer registers cfg and connects to it. Concurrent calls for the same
// server share one connection attempt. A connected server succeeds immediately.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	if m.disposing.Load() {
		return errDisposed()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	id, err := NewServerID(cfg.Name)
	if err != nil {
		return err
	}
	return m.connect(ctx, id, &cfg, false)
}

// RegisterServer records cfg in the idle state without dialing.
func (m *Manager) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if m.disposing.Load() {
		return errDisposed()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	id, err := NewServerID(cfg.Name)
	if err != nil {
		return err
	}

	_, err = WithKey(ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (struct{}, error) {
		if m.disposing.Load() {
			return struct{}{}, errDisposed()
		}
		slot, ok := e.Get()
		if ok {
			switch slot.record.(type) {
			case Idle, Failed:
			default:
				return struct{}{}, errStateConflict(id, "register", slot.record.State())
			}
			slot.timer.stop()
			slot.timer = nil
		}
		slot.record = Idle{ServerID: id}
		slot.config = cfg
		slot.limiter = newCallLimiter(cfg.RateLimit)
		slot.tools = nil
		e.Set(slot)
		return struct{}{}, nil
	})
	if err == nil {
		recordState(id.String(), StateIdle)
	}
	return err
}

// ConnectServer dials a server already known to the manager using its stored config.
func (m *Manager) ConnectServer(ctx context.Context, name string) error {
	if m.disposing.Load() {
		return errDisposed()
	}
	id, err := NewServerID(name)
	if err != nil {
		return err
	}
	return m.connect(ctx, id, nil, false)
}

// connectPlan is the decision taken inside the critical section of connect.
type connectPlan struct {
	attempt *Attempt
	owner   bool
	done    bool
	config  ServerConfig
}

// connect moves a server towards connected. cfg replaces the stored config
// when non-nil; retry marks calls made by the reconnection scheduler.
func (m *Manager) connect(ctx context.Context, id ServerID, cfg *ServerConfig, retry bool) error {
	if m.disposing.Load() {
		return errDisposed()
	}

	// Cheap rejection before queueing on the key.
	if slot, ok := m.servers.Peek(id); ok {
		switch r := slot.record.(type) {
		case Connected:
			return nil
		case Connecting:
			return r.Attempt.Wait(ctx)
		case Disconnecting:
			return errStateConflict(id, "connect", StateDisconnecting)
		}
	} else if cfg == nil {
		return errServerNotFound(id)
	}

	plan, err := WithKey(ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (connectPlan, error) {
		if m.disposing.Load() {
			return connectPlan{}, errDisposed()
		}
		slot, ok := e.Get()
		if ok {
			switch r := slot.record.(type) {
			case Connected:
				return connectPlan{done: true}, nil
			case Connecting:
				return connectPlan{attempt: r.Attempt}, nil
			case Disconnecting:
				return connectPlan{}, errStateConflict(id, "connect", StateDisconnecting)
			}
		} else if cfg == nil {
			return connectPlan{}, errServerNotFound(id)
		}

		if cfg != nil {
			slot.config = *cfg
			slot.limiter = newCallLimiter(cfg.RateLimit)
		}
		if !retry {
			// A caller-initiated connect starts a fresh retry budget.
			slot.timer.stop()
			slot.timer = nil
			slot.attempts = 0
		}
		a := newAttempt()
		slot.record = Connecting{ServerID: id, StartedAt: time.Now(), Attempt: a}
		e.Set(slot)
		return connectPlan{attempt: a, owner: true, config: slot.config}, nil
	})
	if err != nil {
		return err
	}
	if plan.done {
		return nil
	}
	if plan.owner {
		recordState(id.String(), StateConnecting)
		go m.dial(id, plan.config, plan.attempt)
	}
	return plan.attempt.Wait(ctx)
}

// dial runs one connection attempt to completion. It is detached from the
// caller's context so that every waiter observes the same outcome.
func (m *Manager) dial(id ServerID, cfg ServerConfig, attempt *Attempt) {
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultInitTimeout
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "mcp.connect",
		trace.WithAttributes(
			attribute.String("mcp.server", id.String()),
			attribute.String("mcp.transport", string(cfg.Transport.Type)),
		))
	defer span.End()

	m.logger.Debug("connecting to MCP server", "server", id.String(), "transport", cfg.Transport.Type)

	client, transport, tools, err := m.establish(ctx, id, cfg)
	if err != nil {
		err = errConnectFailed(id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
	}

	type commit struct {
		superseded bool
		retried    int
	}

	res, _ := WithKey(context.Background(), m.servers, id, func(e *Entry[ServerID, serverSlot]) (commit, error) {
		slot, ok := e.Get()
		cur, isOurs := slot.record.(Connecting)
		if !ok || !isOurs || cur.Attempt != attempt {
			return commit{superseded: true}, nil
		}
		if m.disposing.Load() {
			e.Delete()
			return commit{superseded: true}, nil
		}
		if err != nil {
			slot.record = Failed{ServerID: id, Err: err, FailedAt: time.Now()}
			slot.tools = nil
			e.Set(slot)
			return commit{}, nil
		}
		slot.record = Connected{ServerID: id, Client: client, Transport: transport, ConnectedAt: time.Now()}
		slot.tools = tools
		retried := slot.attempts
		slot.attempts = 0
		e.Set(slot)
		return commit{retried: retried}, nil
	})

	if res.superseded {
		forgetState(id.String())
		if err == nil {
			closeSession(client, transport)
			err = errDisposed()
		}
		attempt.finish(err)
		return
	}

	if err != nil {
		recordState(id.String(), StateFailed)
		m.events.EmitServerError(id, err)
		attempt.finish(err)
		m.scheduleReconnect(id, err)
		return
	}

	recordState(id.String(), StateConnected)
	m.logger.Info("connected to MCP server", "server", id.String(), "tools", len(tools))
	m.events.EmitServerAdded(id, len(tools))
	if res.retried > 0 {
		m.events.EmitReconnectSucceeded(id, res.retried)
	}
	attempt.finish(nil)
	m.resubscribe(id, client)
}

// establish connects, registers the notification handler and loads the tool list.
func (m *Manager) establish(ctx context.Context, id ServerID, cfg ServerConfig) (Client, Transport, map[string]ToolDescriptor, error) {
	client, transport, err := m.connector.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	client.OnNotification(m.notificationHandler(id))

	tools, err := m.loadTools(ctx, id, client, cfg)
	if err != nil {
		closeSession(client, transport)
		return nil, nil, nil, err
	}
	return client, transport, tools, nil
}

// loadTools fetches and filters the server's tool list.
func (m *Manager) loadTools(ctx context.Context, id ServerID, client Client, cfg ServerConfig) (map[string]ToolDescriptor, error) {
	out := make(map[string]ToolDescriptor)
	if client.Capabilities().Tools == nil {
		return out, nil
	}

	list, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	filter := ToolFilter{Allowed: cfg.AllowedTools, Blocked: cfg.BlockedTools}
	for _, t := range list {
		if !filter.Allows(t.Name) {
			continue
		}
		d, err := describeTool(id, t)
		if err != nil {
			m.logger.Warn("skipping MCP tool", "server", id.String(), "tool", t.Name, "error", err)
			continue
		}
		out[t.Name] = d
	}
	return out, nil
}

// describeTool converts a protocol tool into a registry entry.
func describeTool(server ServerID, t mcp.Tool) (ToolDescriptor, error) {
	tid, err := NewToolID(server, t.Name)
	if err != nil {
		return ToolDescriptor{}, err
	}

	input := t.RawInputSchema
	if input == nil {
		if input, err = json.Marshal(t.InputSchema); err != nil {
			return ToolDescriptor{}, err
		}
	}

	output := t.RawOutputSchema
	if output == nil && t.OutputSchema.Type != "" {
		if output, err = json.Marshal(t.OutputSchema); err != nil {
			return ToolDescriptor{}, err
		}
	}

	return ToolDescriptor{
		ID:           tid,
		Name:         t.Name,
		Description:  t.Description,
		InputSchema:  input,
		OutputSchema: output,
		Server:       server,
	}, nil
}

// RemoveServer disconnects and forgets a server. It fails while the server is
// connecting or already disconnecting.
func (m *Manager) RemoveServer(ctx context.Context, name string) error {
	if m.disposing.Load() {
		return errDisposed()
	}
	id, err := NewServerID(name)
	if err != nil {
		return err
	}
	return m.removeServer(ctx, id)
}

func (m *Manager) removeServer(ctx context.Context, id ServerID) error {
	slot, ok := m.servers.Peek(id)
	if !ok {
		return errServerNotFound(id)
	}
	switch slot.record.(type) {
	case Connecting, Disconnecting:
		return errStateConflict(id, "remove", slot.record.State())
	}

	type teardown struct {
		client    Client
		transport Transport
	}

	td, err := WithKey(ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (teardown, error) {
		slot, ok := e.Get()
		if !ok {
			return teardown{}, errServerNotFound(id)
		}
		switch r := slot.record.(type) {
		case Connecting, Disconnecting:
			return teardown{}, errStateConflict(id, "remove", r.State())
		case Connected:
			slot.timer.stop()
			slot.timer = nil
			slot.record = Disconnecting{ServerID: id, Client: r.Client, Transport: r.Transport}
			e.Set(slot)
			return teardown{client: r.Client, transport: r.Transport}, nil
		default:
			slot.timer.stop()
			e.Delete()
			return teardown{}, nil
		}
	})
	if err != nil {
		return err
	}

	var closeErr error
	if td.client != nil {
		recordState(id.String(), StateDisconnecting)
		closeErr = closeSession(td.client, td.transport)

		// Disconnecting is only ever left by this path.
		_, _ = WithKey(context.Background(), m.servers, id, func(e *Entry[ServerID, serverSlot]) (struct{}, error) {
			e.Delete()
			return struct{}{}, nil
		})
	}

	m.subscriptions.ClearServer(id.String())
	m.logs.RemoveServer(id.String())
	forgetState(id.String())
	m.events.EmitServerRemoved(id)

	if closeErr != nil {
		m.logger.Warn("error closing MCP server", "server", id.String(), "error", closeErr)
		return errTransport("close", id, closeErr)
	}
	return nil
}

// closeSession closes both halves of a session and joins their errors.
func closeSession(client Client, transport Transport) error {
	var errs []error
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
