package mcp

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// startHealthMonitor launches the periodic health check loop.
func (m *Manager) startHealthMonitor(interval time.Duration) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.healthCancel = cancel

	m.healthWG.Add(1)
	go func() {
		defer m.healthWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth(ctx)
			}
		}
	}()
}

// CheckHealth checks every connected server once. A pass that starts while
// another is still running returns immediately.
func (m *Manager) CheckHealth(ctx context.Context) {
	if m.disposing.Load() {
		return
	}
	if !m.healthInFlight.CompareAndSwap(false, true) {
		return
	}
	defer m.healthInFlight.Store(false)

	var g errgroup.Group
	for id, client := range m.connectedClients() {
		g.Go(func() error {
			m.checkServer(ctx, id, client)
			return nil
		})
	}
	_ = g.Wait()
}

// checkServer issues a tools/list against one server and demotes it on failure.
func (m *Manager) checkServer(ctx context.Context, id ServerID, client Client) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	var err error
	if client.Capabilities().Tools != nil {
		_, err = client.ListTools(pctx)
	} else {
		err = client.Ping(pctx)
	}
	if err == nil || ctx.Err() != nil || m.disposing.Load() {
		return
	}

	m.markFailed(id, client, err)
}

// markFailed moves a connected server to failed if client is still its session.
func (m *Manager) markFailed(id ServerID, client Client, cause error) {
	demoted, lockErr := WithKey(context.Background(), m.servers, id, func(e *Entry[ServerID, serverSlot]) (*Connected, error) {
		slot, ok := e.Get()
		if !ok {
			return nil, nil
		}
		conn, ok := slot.record.(Connected)
		if !ok || conn.Client != client {
			return nil, nil
		}
		slot.record = Failed{ServerID: id, Err: errTransport("health check", id, cause), FailedAt: time.Now()}
		slot.tools = nil
		e.Set(slot)
		return &conn, nil
	})
	if lockErr != nil || demoted == nil {
		return
	}

	recordState(id.String(), StateFailed)
	recordHealthFailure(id.String())
	if err := closeSession(demoted.Client, demoted.Transport); err != nil {
		m.logger.Debug("error closing unhealthy MCP server", "server", id.String(), "error", err)
	}
	m.events.EmitUnhealthy(id, cause.Error())
	m.scheduleReconnect(id, cause)
}
