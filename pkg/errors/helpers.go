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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := mgr.ConnectServer(ctx, name); err != nil {
//	    return errors.Wrap(err, "connecting")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// UserFacing returns the message and suggestion of the first user-visible
// error in err's chain. ok is false when there is none.
func UserFacing(err error) (message, suggestion string, ok bool) {
	var uv UserVisibleError
	if !errors.As(err, &uv) || !uv.IsUserVisible() {
		return "", "", false
	}
	return uv.UserMessage(), uv.Suggestion(), true
}

// Classify returns the error type of the first classifiable error in err's
// chain, or "" when there is none.
func Classify(err error) (errorType string, retryable bool) {
	var ec ErrorClassifier
	if !errors.As(err, &ec) {
		return "", false
	}
	return ec.ErrorType(), ec.IsRetryable()
}
