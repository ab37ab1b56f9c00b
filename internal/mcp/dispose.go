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
	"errors"
)

// Dispose shuts the manager down: it stops health checks and pending
// reconnections, waits for in-flight connection attempts, disconnects every
// server and cancels outstanding calls. Errors from individual servers are
// joined. Later calls return the first call's result.
func (m *Manager) Dispose(ctx context.Context) error {
	m.disposeOnce.Do(func() {
		m.disposeErr = m.dispose(ctx)
	})
	return m.disposeErr
}

// Close is Dispose with a background context.
func (m *Manager) Close() error {
	return m.Dispose(context.Background())
}

func (m *Manager) dispose(ctx context.Context) error {
	m.backgroundMu.Lock()
	m.disposing.Store(true)
	m.backgroundMu.Unlock()
	m.logger.Info("disposing MCP session manager")

	if m.healthCancel != nil {
		m.healthCancel()
	}
	m.healthWG.Wait()

	var errs []error
	for id := range m.servers.Snapshot() {
		if err := m.teardown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	m.cancellations.CancelAll("session manager disposed")
	m.backgroundWG.Wait()
	m.events.Close()
	m.cancel()

	return errors.Join(errs...)
}

// teardown stops a server's retry timer, lets an in-flight attempt settle and
// then removes the server.
func (m *Manager) teardown(ctx context.Context, id ServerID) error {
	for {
		attempt, err := WithKey(ctx, m.servers, id, func(e *Entry[ServerID, serverSlot]) (*Attempt, error) {
			slot, ok := e.Get()
			if !ok {
				return nil, nil
			}
			slot.timer.stop()
			slot.timer = nil
			slot.attempts = 0
			e.Set(slot)
			if c, ok := slot.record.(Connecting); ok {
				return c.Attempt, nil
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		if attempt == nil {
			break
		}
		// The attempt sees the disposing flag when it commits and cleans up after itself.
		if err := attempt.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	err := m.removeServer(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
