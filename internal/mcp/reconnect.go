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
	"math"
	"time"
)

// ReconnectPolicy controls automatic reconnection of failed servers.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries is the number of scheduled retries before giving up.
	MaxRetries int
}

// DefaultReconnectPolicy returns exponential backoff of 1s, 2s, 4s, ... capped at 30s, five retries.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxRetries:   5,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}

// Delay returns min(InitialDelay * Multiplier^attempts, MaxDelay).
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempts))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// reconnectTimer identifies one scheduled retry. The slot holds the pointer,
// so a timer that fires after being replaced or cancelled finds a mismatch.
type reconnectTimer struct {
	t *time.Timer
}

func (r *reconnectTimer) stop() {
	if r != nil && r.t != nil {
		r.t.Stop()
	}
}

// scheduleReconnect arms a retry for a server that just entered failed.
func (m *Manager) scheduleReconnect(id ServerID, cause error) {
	if !m.cfg.Reconnect.Enabled || m.disposing.Load() {
		return
	}

	type outcome struct {
		scheduled bool
		exhausted bool
		attempt   int
		delay     time.Duration
	}

	out, err := WithKey(m.ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (outcome, error) {
		if m.disposing.Load() {
			return outcome{}, nil
		}
		slot, ok := e.Get()
		if !ok || slot.timer != nil {
			return outcome{}, nil
		}
		if _, failed := slot.record.(Failed); !failed {
			return outcome{}, nil
		}
		if slot.attempts >= m.cfg.Reconnect.MaxRetries {
			return outcome{exhausted: true, attempt: slot.attempts}, nil
		}

		delay := m.cfg.Reconnect.Delay(slot.attempts)
		tok := &reconnectTimer{}
		tok.t = time.AfterFunc(delay, func() { m.fireReconnect(id, tok) })
		slot.timer = tok
		e.Set(slot)
		return outcome{scheduled: true, attempt: slot.attempts + 1, delay: delay}, nil
	})
	if err != nil {
		return
	}

	switch {
	case out.exhausted:
		m.events.EmitReconnectFailed(id, out.attempt, cause)
	case out.scheduled:
		m.events.EmitReconnectScheduled(id, out.attempt, out.delay)
	}
}

// fireReconnect runs when a retry timer expires.
func (m *Manager) fireReconnect(id ServerID, tok *reconnectTimer) {
	if m.disposing.Load() {
		return
	}

	attempt, err := WithKey(m.ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (int, error) {
		slot, ok := e.Get()
		if !ok || slot.timer != tok {
			return 0, nil
		}
		slot.timer = nil
		slot.attempts++
		e.Set(slot)
		return slot.attempts, nil
	})
	if err != nil || attempt == 0 {
		return
	}

	recordReconnectAttempt(id.String())
	m.logger.Info("reconnecting to MCP server", "server", id.String(), "attempt", attempt)

	// Failure re-enters scheduleReconnect from the connect path.
	_ = m.connect(m.ctx, id, nil, true)
}
