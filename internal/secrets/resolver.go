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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// keyringRef matches keyring:<key> anywhere in a value.
var keyringRef = regexp.MustCompile(`keyring:([A-Za-z0-9_./-]+)`)

// Resolver manages a chain of SecretBackends and resolves secrets
// by querying backends in priority order.
type Resolver struct {
	backends []SecretBackend
	cache    *Cache
}

// NewResolver creates a new secret resolver with the given backends.
// Unavailable backends are dropped; the rest are sorted by priority, highest first.
func NewResolver(backends ...SecretBackend) *Resolver {
	available := make([]SecretBackend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})

	return &Resolver{
		backends: available,
		cache:    NewCache(DefaultCacheTTL),
	}
}

// Default returns a resolver over the environment and the OS keychain.
func Default() *Resolver {
	return NewResolver(NewEnvBackend(), NewKeychainBackend())
}

// Backends returns the names of the usable backends in resolution order.
func (r *Resolver) Backends() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

// Cache returns the resolver's value cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Get retrieves a secret by querying backends in priority order.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}

	var lastErr error
	for _, backend := range r.backends {
		value, err := backend.Get(ctx, key)
		if err == nil {
			r.cache.Set(key, value, backend.Name())
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrSecretNotFound, key)
}

// Set stores a secret in the highest priority writable backend, or in the
// named backend when backendName is set.
func (r *Resolver) Set(ctx context.Context, key, value, backendName string) error {
	if len(r.backends) == 0 {
		return fmt.Errorf("%w: no available backends", ErrBackendUnavailable)
	}
	defer r.cache.Forget(key)

	for _, backend := range r.backends {
		if backendName != "" && backend.Name() != backendName {
			continue
		}
		if ro, ok := backend.(ReadOnlyBackend); ok && ro.ReadOnly() {
			if backendName != "" {
				return fmt.Errorf("%w: %s", ErrReadOnlyBackend, backendName)
			}
			continue
		}
		if err := backend.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to set secret in %s: %w", backend.Name(), err)
		}
		return nil
	}

	if backendName != "" {
		return fmt.Errorf("backend %q not found or unavailable", backendName)
	}
	return fmt.Errorf("no writable backend available")
}

// Delete removes a secret from every writable backend that has it.
func (r *Resolver) Delete(ctx context.Context, key string) error {
	defer r.cache.Forget(key)

	deleted := false
	for _, backend := range r.backends {
		if ro, ok := backend.(ReadOnlyBackend); ok && ro.ReadOnly() {
			continue
		}
		if err := backend.Delete(ctx, key); err != nil {
			if errors.Is(err, ErrSecretNotFound) {
				continue
			}
			return fmt.Errorf("failed to delete secret from %s: %w", backend.Name(), err)
		}
		deleted = true
	}

	if !deleted {
		return fmt.Errorf("%w: %q", ErrSecretNotFound, key)
	}
	return nil
}

// Expand resolves references in a config value:
//
//	env:VAR        the whole value is replaced by $VAR, which must be set
//	${VAR}         replaced by $VAR (empty when unset)
//	keyring:<key>  replaced by the secret, which must exist
func (r *Resolver) Expand(ctx context.Context, value string) (string, error) {
	if name, ok := strings.CutPrefix(value, "env:"); ok {
		v, set := os.LookupEnv(name)
		if !set {
			return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, name)
		}
		return v, nil
	}

	value = os.Expand(value, func(name string) string {
		return os.Getenv(name)
	})

	var firstErr error
	out := keyringRef.ReplaceAllStringFunc(value, func(ref string) string {
		key := strings.TrimPrefix(ref, "keyring:")
		secret, err := r.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return secret
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
