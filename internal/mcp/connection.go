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
	"sync"
	"time"
)

// ConnectionState is the discriminant of a ConnectionRecord.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
	StateFailed        ConnectionState = "failed"

	// stateRemoved is the pseudo-state a record leaves to when deleted.
	stateRemoved ConnectionState = "removed"
)

// transitions lists every allowed edge of the connection state machine.
var transitions = map[ConnectionState][]ConnectionState{
	StateIdle:          {StateConnecting, stateRemoved},
	StateConnecting:    {StateConnected, StateFailed},
	StateConnected:     {StateDisconnecting, StateFailed},
	StateDisconnecting: {stateRemoved},
	StateFailed:        {StateConnecting, stateRemoved},
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnectionRecord is exactly one of Idle, Connecting, Connected,
// Disconnecting or Failed.
type ConnectionRecord interface {
	State() ConnectionState
	Server() ServerID
	isConnectionRecord()
}

// Idle is a registered server that has not been dialed.
type Idle struct {
	ServerID ServerID
}

// Connecting is a dial in progress. Concurrent callers wait on Attempt.
type Connecting struct {
	ServerID  ServerID
	StartedAt time.Time
	Attempt   *Attempt
}

// Connected is a usable session.
type Connected struct {
	ServerID    ServerID
	Client      Client
	Transport   Transport
	ConnectedAt time.Time
}

// Disconnecting is a session being torn down.
type Disconnecting struct {
	ServerID  ServerID
	Client    Client
	Transport Transport
}

// Failed records why the last attempt or health check failed.
type Failed struct {
	ServerID ServerID
	Err      error
	FailedAt time.Time
}

func (Idle) State() ConnectionState          { return StateIdle }
func (Connecting) State() ConnectionState    { return StateConnecting }
func (Connected) State() ConnectionState     { return StateConnected }
func (Disconnecting) State() ConnectionState { return StateDisconnecting }
func (Failed) State() ConnectionState        { return StateFailed }

func (r Idle) Server() ServerID          { return r.ServerID }
func (r Connecting) Server() ServerID    { return r.ServerID }
func (r Connected) Server() ServerID     { return r.ServerID }
func (r Disconnecting) Server() ServerID { return r.ServerID }
func (r Failed) Server() ServerID        { return r.ServerID }

func (Idle) isConnectionRecord()          {}
func (Connecting) isConnectionRecord()    {}
func (Connected) isConnectionRecord()     {}
func (Disconnecting) isConnectionRecord() {}
func (Failed) isConnectionRecord()        {}

// Attempt is the shared outcome of one connection attempt.
type Attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *Attempt {
	return &Attempt{done: make(chan struct{})}
}

// Done is closed when the attempt settles.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome. Only meaningful after Done is closed.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attempt settles or ctx ends.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}
