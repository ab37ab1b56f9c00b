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

// Package schema validates tool output against a declared JSON Schema.
package schema

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Status is the outcome of a validation.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
)

// Result describes a validation outcome.
type Result struct {
	Status Status   `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

// Valid reports whether the content matched the schema.
func (r Result) Valid() bool {
	return r.Status == StatusValid
}

// Validator resolves schemas once and caches them by content hash.
type Validator struct {
	mu       sync.Mutex
	resolved map[[32]byte]*jsonschema.Resolved
}

// NewValidator creates a validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{resolved: make(map[[32]byte]*jsonschema.Resolved)}
}

// ValidateContent validates content against the raw JSON schema. content may
// be any value json.Marshal accepts; it is normalized through JSON first so
// struct values and decoded maps validate the same way.
func (v *Validator) ValidateContent(raw json.RawMessage, content any) Result {
	rs, err := v.resolve(raw)
	if err != nil {
		return invalid(fmt.Sprintf("output schema is unusable: %v", err))
	}

	instance, err := normalize(content)
	if err != nil {
		return invalid(fmt.Sprintf("content is not JSON: %v", err))
	}

	if err := rs.Validate(instance); err != nil {
		return invalid(err.Error())
	}
	return Result{Status: StatusValid}
}

func (v *Validator) resolve(raw json.RawMessage) (*jsonschema.Resolved, error) {
	key := sha256.Sum256(raw)

	v.mu.Lock()
	rs, ok := v.resolved[key]
	v.mu.Unlock()
	if ok {
		return rs, nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	// Servers commonly stamp older drafts; the keywords we check are shared.
	s.Schema = ""

	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.resolved[key] = rs
	v.mu.Unlock()
	return rs, nil
}

func normalize(content any) (any, error) {
	var data []byte
	switch c := content.(type) {
	case json.RawMessage:
		data = c
	case []byte:
		data = c
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func invalid(msg string) Result {
	return Result{Status: StatusInvalid, Errors: []string{msg}}
}
