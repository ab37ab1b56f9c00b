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

// Package tokens counts model tokens in tool output.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultEncoding is the BPE encoding used when none is configured.
	DefaultEncoding = "cl100k_base"

	// EncodingEstimate skips tiktoken and always uses Estimate.
	EncodingEstimate = "estimate"
)

// Counter counts tokens with a tiktoken encoding. The encoding is loaded on
// first use; if it cannot be loaded (no network, no cache) the counter falls
// back to Estimate for the rest of its life.
type Counter struct {
	encoding string
	logger   *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a counter for the named encoding.
func NewCounter(encoding string, logger *slog.Logger) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{encoding: encoding, logger: logger}
}

// CountTokens returns the number of tokens in text.
func (c *Counter) CountTokens(text string) int {
	c.once.Do(c.load)
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *Counter) load() {
	if c.encoding == EncodingEstimate {
		return
	}
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.logger.Warn("token encoding unavailable, using estimate", "encoding", c.encoding, "error", err)
		return
	}
	c.enc = enc
}

// Estimator is a TokenCounter that never touches the network.
type Estimator struct{}

// CountTokens implements the counter contract with Estimate.
func (Estimator) CountTokens(text string) int {
	return Estimate(text)
}

// Estimate approximates tokens as one per four runes, rounded up. It is
// monotonic over prefixes, which truncation relies on.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
