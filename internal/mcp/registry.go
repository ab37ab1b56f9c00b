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
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry keeps a Manager in step with mcp.yaml. It owns the manager it creates.
type Registry struct {
	// path is the config file, empty when the config was supplied directly
	path string

	resolver ValueResolver
	manager  *Manager
	logger   *slog.Logger

	// mu serializes reconciliation and protects config and applied
	mu      sync.Mutex
	config  *Config
	applied map[string]ServerConfig
}

// RegistryConfig configures the registry.
type RegistryConfig struct {
	// Path is the config file. Empty uses ConfigPath unless Config is set.
	Path string

	// Config is used instead of reading Path when non-nil.
	Config *Config

	// Resolver expands secret references in env and header values (optional)
	Resolver ValueResolver

	// Manager is the base manager config; the file's manager block overrides it.
	Manager ManagerConfig

	// Logger is used for structured logging (optional)
	Logger *slog.Logger
}

// NewRegistry loads the configuration and creates the manager. No server is
// contacted until Start.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := cfg.Path
	config := cfg.Config
	if config == nil {
		if path == "" {
			p, err := ConfigPath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		c, err := LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load MCP config: %w", err)
		}
		config = c
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	base := cfg.Manager
	if base.Logger == nil {
		base.Logger = logger
	}

	return &Registry{
		path:     path,
		resolver: cfg.Resolver,
		manager:  NewManager(config.ManagerOptions(base)),
		logger:   logger,
		config:   config,
		applied:  make(map[string]ServerConfig),
	}, nil
}

// Path returns the config file the registry reads, if any.
func (r *Registry) Path() string {
	return r.path
}

// Manager returns the underlying session manager.
func (r *Registry) Manager() *Manager {
	return r.manager
}

// Config returns the configuration last applied.
func (r *Registry) Config() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Start registers every configured server and connects the auto-connect ones.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()
	return r.Reconcile(ctx, cfg)
}

// Reload re-reads the config file and reconciles the manager with it.
func (r *Registry) Reload(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	cfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	if err := r.Reconcile(ctx, cfg); err != nil {
		return err
	}
	r.logger.Info("reloaded MCP configuration", "path", r.path)
	return nil
}

// Reconcile makes the manager match cfg: servers no longer configured are
// removed, changed servers are replaced and new ones are added. Connection
// failures are left to the reconnection scheduler and do not fail the call;
// a server that could not be removed does.
func (r *Registry) Reconcile(ctx context.Context, cfg *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired, err := cfg.ServerConfigs(ctx, r.resolver)
	if err != nil {
		return err
	}
	want := make(map[string]ServerConfig, len(desired))
	for _, sc := range desired {
		want[sc.Name] = sc
	}

	// A server that cannot be removed keeps its applied config so the next
	// reconcile retries the change.
	var errs []error
	for _, name := range r.manager.ListServers() {
		sc, keep := want[name]
		if keep && reflect.DeepEqual(r.applied[name], sc) {
			continue
		}
		if err := r.manager.RemoveServer(ctx, name); err != nil {
			r.logger.Warn("failed to remove MCP server", "server", name, "error", err)
			errs = append(errs, err)
			continue
		}
		delete(r.applied, name)
	}

	existing := make(map[string]bool)
	for _, name := range r.manager.ListServers() {
		existing[name] = true
	}

	var g errgroup.Group
	for _, sc := range desired {
		if existing[sc.Name] {
			continue
		}
		r.applied[sc.Name] = sc
		if !sc.AutoConnect {
			if err := r.manager.RegisterServer(ctx, sc); err != nil {
				r.logger.Warn("failed to register MCP server", "server", sc.Name, "error", err)
			}
			continue
		}
		g.Go(func() error {
			if err := r.manager.AddServer(ctx, sc); err != nil {
				r.logger.Warn("failed to connect MCP server", "server", sc.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.config = cfg
	return errors.Join(errs...)
}

// ConnectAll dials every idle or failed server, including those with
// auto_connect disabled. It waits for all attempts and joins their errors.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, status := range r.manager.ConnectionStatus() {
		if status.State != StateIdle && status.State != StateFailed {
			continue
		}
		g.Go(func() error {
			if err := r.manager.ConnectServer(ctx, status.Name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Stop disposes the manager.
func (r *Registry) Stop(ctx context.Context) error {
	return r.manager.Dispose(ctx)
}
