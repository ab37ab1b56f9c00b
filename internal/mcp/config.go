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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/mcplink/internal/config"
)

// Config is the mcp.yaml file.
type Config struct {
	// Servers maps server name to its entry.
	Servers map[string]*ServerEntry `yaml:"servers,omitempty"`

	// Defaults fills unset per-server fields.
	Defaults ServerDefaults `yaml:"defaults,omitempty"`

	// Manager tunes health checks, reconnection and output limits.
	Manager ManagerSettings `yaml:"manager,omitempty"`

	// History enables the call history database.
	History HistorySettings `yaml:"history,omitempty"`

	// Tracing configures the OpenTelemetry exporter.
	Tracing TracingSettings `yaml:"tracing,omitempty"`
}

// ServerEntry is one server in mcp.yaml.
type ServerEntry struct {
	// Transport is "stdio", "sse" or "http". Inferred from command/url when empty.
	Transport TransportType `yaml:"transport,omitempty"`

	// Command is the executable for stdio servers.
	Command string `yaml:"command,omitempty"`

	// Args are command-line arguments.
	Args []string `yaml:"args,omitempty"`

	// Env are environment variables in KEY=VALUE format.
	// Values support ${VAR} substitution and keyring:<name> secrets.
	Env []string `yaml:"env,omitempty"`

	// URL is the endpoint for sse and http servers.
	URL string `yaml:"url,omitempty"`

	// Headers are sent with every HTTP request. Values resolve like Env values.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout is the tool call timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// InitTimeout bounds connect plus initialize, in seconds.
	InitTimeout int `yaml:"init_timeout,omitempty"`

	// Quiet suppresses server stderr in the log.
	Quiet bool `yaml:"quiet,omitempty"`

	// AutoConnect connects the server at startup. Defaults to true.
	AutoConnect *bool `yaml:"auto_connect,omitempty"`

	// AllowedTools limits the registry to tools matching these glob patterns.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// BlockedTools removes tools matching these glob patterns.
	BlockedTools []string `yaml:"blocked_tools,omitempty"`

	// RateLimit caps tool calls per second. 0 disables.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// ServerDefaults provides default values for server entries.
type ServerDefaults struct {
	Timeout     int `yaml:"timeout,omitempty"`
	InitTimeout int `yaml:"init_timeout,omitempty"`
}

// ManagerSettings is the manager block of mcp.yaml.
type ManagerSettings struct {
	// HealthCheckInterval in seconds. Negative disables the monitor.
	HealthCheckInterval int `yaml:"health_check_interval,omitempty"`

	// HealthCheckTimeout in seconds.
	HealthCheckTimeout int `yaml:"health_check_timeout,omitempty"`

	Reconnect ReconnectSettings `yaml:"reconnect,omitempty"`
	Output    OutputSettings    `yaml:"output,omitempty"`
}

// ReconnectSettings configures the reconnection backoff.
type ReconnectSettings struct {
	Enabled        *bool   `yaml:"enabled,omitempty"`
	InitialDelayMS int     `yaml:"initial_delay_ms,omitempty"`
	MaxDelayMS     int     `yaml:"max_delay_ms,omitempty"`
	Multiplier     float64 `yaml:"multiplier,omitempty"`
	MaxRetries     int     `yaml:"max_retries,omitempty"`
}

// OutputSettings bounds tool output size in tokens.
type OutputSettings struct {
	MaxTokens  int    `yaml:"max_tokens,omitempty"`
	WarnTokens int    `yaml:"warn_tokens,omitempty"`
	Encoding   string `yaml:"encoding,omitempty"`
}

// HistorySettings configures the call history database.
type HistorySettings struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	// Exporter is "", "stdout" or "otlp".
	Exporter string `yaml:"exporter,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// ValueResolver expands ${VAR} references and secret references in config values.
type ValueResolver interface {
	Expand(ctx context.Context, value string) (string, error)
}

// ConfigPath returns the path to mcp.yaml in the user's config directory.
func ConfigPath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mcp.yaml"), nil
}

// LoadConfig loads mcp.yaml from path, or from ConfigPath when path is empty.
// A missing file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Servers: make(map[string]*ServerEntry)}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses and validates mcp.yaml content.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidConfig(err.Error()).WithCause(err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerEntry)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path atomically.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	for _, name := range c.ServerNames() {
		if _, err := NewServerID(name); err != nil {
			return ErrInvalidConfig(fmt.Sprintf("server %q: %v", name, err))
		}
		entry := c.Servers[name]
		if entry == nil {
			return ErrInvalidConfig(fmt.Sprintf("server %q: empty entry", name))
		}
		if err := entry.Validate(); err != nil {
			return ErrInvalidConfig(fmt.Sprintf("server %q: %v", name, err))
		}
	}

	r := c.Manager.Reconnect
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return ErrInvalidConfig("manager.reconnect.multiplier must be at least 1")
	}
	if r.MaxRetries < 0 || r.InitialDelayMS < 0 || r.MaxDelayMS < 0 {
		return ErrInvalidConfig("manager.reconnect values must be non-negative")
	}
	o := c.Manager.Output
	if o.MaxTokens < 0 || o.WarnTokens < 0 {
		return ErrInvalidConfig("manager.output token limits must be non-negative")
	}
	if o.MaxTokens > 0 && o.WarnTokens > o.MaxTokens {
		return ErrInvalidConfig("manager.output.warn_tokens must not exceed max_tokens")
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return ErrInvalidConfig(fmt.Sprintf("unknown tracing exporter %q", c.Tracing.Exporter))
	}
	return nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfigs converts every entry, resolving secrets with r (nil expands ${VAR} only).
func (c *Config) ServerConfigs(ctx context.Context, r ValueResolver) ([]ServerConfig, error) {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, name := range c.ServerNames() {
		sc, err := c.Servers[name].ToServerConfig(ctx, name, c.Defaults, r)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// ManagerOptions maps the manager block onto ManagerConfig fields.
func (c *Config) ManagerOptions(base ManagerConfig) ManagerConfig {
	m := c.Manager
	switch {
	case m.HealthCheckInterval < 0:
		base.HealthCheckInterval = -1
	case m.HealthCheckInterval > 0:
		base.HealthCheckInterval = time.Duration(m.HealthCheckInterval) * time.Second
	}
	if m.HealthCheckTimeout > 0 {
		base.HealthCheckTimeout = time.Duration(m.HealthCheckTimeout) * time.Second
	}

	p := base.Reconnect
	if m.Reconnect.Enabled != nil {
		p.Enabled = *m.Reconnect.Enabled
	}
	if m.Reconnect.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(m.Reconnect.InitialDelayMS) * time.Millisecond
	}
	if m.Reconnect.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(m.Reconnect.MaxDelayMS) * time.Millisecond
	}
	if m.Reconnect.Multiplier > 0 {
		p.Multiplier = m.Reconnect.Multiplier
	}
	if m.Reconnect.MaxRetries > 0 {
		p.MaxRetries = m.Reconnect.MaxRetries
	}
	base.Reconnect = p

	if m.Output.MaxTokens > 0 {
		base.MaxOutputTokens = m.Output.MaxTokens
	}
	if m.Output.WarnTokens > 0 {
		base.WarnOutputTokens = m.Output.WarnTokens
	}
	if c.Defaults.Timeout > 0 {
		base.DefaultToolTimeout = time.Duration(c.Defaults.Timeout) * time.Second
	}
	return base
}

// transportType returns the explicit transport or infers it.
func (e *ServerEntry) transportType() TransportType {
	if e.Transport != "" {
		return e.Transport
	}
	if e.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Validate validates a single server entry.
func (e *ServerEntry) Validate() error {
	switch e.transportType() {
	case TransportStdio:
		if e.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportSSE, TransportHTTP:
		if e.URL == "" {
			return fmt.Errorf("url is required for %s transport", e.transportType())
		}
		if !strings.HasPrefix(e.URL, "http://") && !strings.HasPrefix(e.URL, "https://") {
			return fmt.Errorf("url must be http or https: %s", e.URL)
		}
	default:
		return fmt.Errorf("invalid transport: %s (must be 'stdio', 'sse', or 'http')", e.Transport)
	}

	if e.Timeout < 0 || e.InitTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}

	for i, arg := range e.Args {
		if err := ValidateArg(arg); err != nil {
			return fmt.Errorf("args[%d]: %w", i, err)
		}
	}
	for i, env := range e.Env {
		if err := ValidateEnv(env); err != nil {
			return fmt.Errorf("env[%d]: %w", i, err)
		}
	}
	for _, pattern := range append(append([]string{}, e.AllowedTools...), e.BlockedTools...) {
		if err := ValidateToolPattern(pattern); err != nil {
			return err
		}
	}
	return nil
}

// ToServerConfig converts the entry for the manager.
func (e *ServerEntry) ToServerConfig(ctx context.Context, name string, defaults ServerDefaults, r ValueResolver) (ServerConfig, error) {
	expand := func(v string) (string, error) {
		if r == nil {
			return os.ExpandEnv(v), nil
		}
		return r.Expand(ctx, v)
	}

	env := make([]string, 0, len(e.Env))
	for _, kv := range e.Env {
		key, value, _ := strings.Cut(kv, "=")
		resolved, err := expand(value)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("env %s: %w", key, err)
		}
		env = append(env, key+"="+resolved)
	}

	var headers map[string]string
	if len(e.Headers) > 0 {
		headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			resolved, err := expand(v)
			if err != nil {
				return ServerConfig{}, fmt.Errorf("header %s: %w", k, err)
			}
			headers[k] = resolved
		}
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	initTimeout := e.InitTimeout
	if initTimeout == 0 {
		initTimeout = defaults.InitTimeout
	}

	return ServerConfig{
		Name: name,
		Transport: TransportConfig{
			Type:    e.transportType(),
			Command: e.Command,
			Args:    e.Args,
			Env:     env,
			URL:     e.URL,
			Headers: headers,
		},
		Timeout:      time.Duration(timeout) * time.Second,
		InitTimeout:  time.Duration(initTimeout) * time.Second,
		Quiet:        e.Quiet,
		AutoConnect:  e.AutoConnect == nil || *e.AutoConnect,
		AllowedTools: e.AllowedTools,
		BlockedTools: e.BlockedTools,
		RateLimit:    e.RateLimit,
	}, nil
}

// shellInjectionPatterns are patterns that could indicate shell injection attempts.
var shellInjectionPatterns = []string{
	";", "&&", "||", "|", "`", "$(", "${", "\n", "\r",
}

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateArg validates a command argument for shell injection.
func ValidateArg(arg string) error {
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(arg, pattern) {
			return fmt.Errorf("argument contains potentially unsafe pattern %q", pattern)
		}
	}
	return nil
}

// ValidateEnv validates a KEY=VALUE environment entry. ${VAR} is allowed in values.
func ValidateEnv(env string) error {
	key, value, ok := strings.Cut(env, "=")
	if !ok {
		return fmt.Errorf("environment variable must be in KEY=VALUE format")
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid environment variable key: %q", key)
	}
	for _, pattern := range shellInjectionPatterns {
		if pattern == "${" {
			continue
		}
		if strings.Contains(value, pattern) {
			return fmt.Errorf("environment value contains potentially unsafe pattern %q", pattern)
		}
	}
	return nil
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH",
}

// IsSensitiveKey returns true if the env or header name appears to hold a secret.
func IsSensitiveKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv redacts sensitive values from an environment variable list.
func RedactEnv(envs []string) []string {
	result := make([]string, len(envs))
	for i, env := range envs {
		key, _, ok := strings.Cut(env, "=")
		if ok && IsSensitiveKey(key) {
			result[i] = key + "=***REDACTED***"
		} else {
			result[i] = env
		}
	}
	return result
}
