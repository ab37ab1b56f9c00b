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
	"testing"

	"github.com/zalando/go-keyring"
)

func TestKeychainBackend_Mock(t *testing.T) {
	keyring.MockInit()

	backend := NewKeychainBackend()
	if !backend.Available() {
		t.Fatal("expected mock keychain to be available")
	}
	if backend.Name() != "keychain" || backend.Priority() != KeychainBackendPriority {
		t.Errorf("unexpected metadata %s/%d", backend.Name(), backend.Priority())
	}

	ctx := context.Background()

	if _, err := backend.Get(ctx, "search-token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get() before Set error = %v, want ErrSecretNotFound", err)
	}

	if err := backend.Set(ctx, "search-token", "abc"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := backend.Get(ctx, "search-token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "abc" {
		t.Errorf("Get() = %q, want abc", got)
	}

	if err := backend.Delete(ctx, "search-token"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := backend.Delete(ctx, "search-token"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("second Delete() error = %v, want ErrSecretNotFound", err)
	}
}

func TestKeychainBackend_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: connection refused"))
	t.Cleanup(keyring.MockInit)

	backend := NewKeychainBackend()
	if backend.Available() {
		t.Fatal("expected keychain to be unavailable")
	}

	_, err := backend.Get(context.Background(), "search-token")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Get() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestIsKeychainUnavailableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("keychain is locked"), true},
		{errors.New("The name org.freedesktop.secrets was not provided: Secret Service"), true},
		{errors.New("something else"), false},
	}

	for _, tt := range tests {
		if got := isKeychainUnavailableError(tt.err); got != tt.want {
			t.Errorf("isKeychainUnavailableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
