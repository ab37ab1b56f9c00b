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
package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/mcplink/internal/mcp"
	pkgerrors "github.com/tombee/mcplink/pkg/errors"
)

// Exit codes for mcplink commands
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitUsage             = 2
	ExitConfig            = 3
	ExitServerUnavailable = 4
	ExitToolError         = 5
	ExitTimeout           = 124 // matches timeout(1)
	ExitInterrupted       = 130 // 128 + SIGINT
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for bad arguments or flags
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg, Cause: cause}
}

// NewConfigError creates an error for an unreadable or invalid mcp.yaml
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Cause: cause}
}

// NewToolError creates an error for a tool that ran and reported failure
func NewToolError(msg string) *ExitError {
	return &ExitError{Code: ExitToolError, Message: msg}
}

// ExitCodeFor picks the exit code for err.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		validationErr *pkgerrors.ValidationError
		configErr     *pkgerrors.ConfigError
		timeoutErr    *pkgerrors.TimeoutError
		notFoundErr   *pkgerrors.NotFoundError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	case errors.As(err, &validationErr):
		return ExitUsage
	case errors.As(err, &configErr), errors.Is(err, mcp.ErrConfig):
		return ExitConfig
	case errors.As(err, &notFoundErr), errors.Is(err, mcp.ErrNotFound), errors.Is(err, mcp.ErrInvalidIdentity):
		return ExitUsage
	case errors.Is(err, mcp.ErrTransport), errors.Is(err, mcp.ErrDisconnected),
		errors.Is(err, mcp.ErrStateConflict), errors.Is(err, mcp.ErrUnsupported):
		return ExitServerUnavailable
	}
	return ExitFailure
}

// HandleExitError reports err and exits with the matching code. In --json
// mode the error is written to stdout as a JSON error envelope.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	if GetJSON() {
		_ = EmitJSONError("", []JSONError{NewJSONError(err)})
	} else {
		ReportError(os.Stderr, err)
	}
	os.Exit(ExitCodeFor(err))
}

// ReportError prints err and, if any error in its chain is user visible, its
// suggestion.
func ReportError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	if _, suggestion, ok := pkgerrors.UserFacing(err); ok && suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}
