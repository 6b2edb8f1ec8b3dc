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
	"fmt"
)

// ConfigurationError represents gateway-side configuration problems.
// Use this for unsupported connection types, missing secret names, unreadable
// credential sources, or invalid gateway settings. Configuration errors are
// fatal for the request that triggered them.
type ConfigurationError struct {
	// Key is the configuration key or field that has the problem
	// (e.g., "connection_type", "env_var_name").
	Key string

	// Reason explains what's wrong with the configuration.
	Reason string

	// Cause is the underlying error (e.g., file read error, decrypt error).
	Cause error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// RequestError represents malformed inbound operations.
// Use this for invalid response types, missing payloads, or any other
// request-shape violation detected at parse time.
type RequestError struct {
	// Field identifies which part of the request failed validation.
	Field string

	// Message is the human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// NotFoundError represents a named lookup failure.
// Use this when a method, context reference, or registered factory
// does not exist.
type NotFoundError struct {
	// Resource is the kind of thing that was looked up
	// (e.g., "method", "reference", "connection type").
	Resource string

	// ID is the name that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ExecutionError represents a failure raised while executing an operation
// against a backend. It carries the backend's own classification so
// recognizable error kinds survive transport back to the controller.
type ExecutionError struct {
	// Kind is the backend-supplied error classification
	// (e.g., "DatabaseError", "HTTPError").
	Kind string

	// Message is the human-readable error description.
	Message string

	// Attributes are backend-supplied structured attributes for
	// client-side error reconstruction.
	Attributes map[string]any

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("execution error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("execution error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// SandboxError represents script sandbox failures: compile rejection,
// disallowed imports, missing entrypoints, or script runtime faults.
type SandboxError struct {
	// Stage identifies where the failure occurred
	// ("compile", "load", "entrypoint", "call").
	Stage string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *SandboxError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("sandbox error (%s): %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("sandbox error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SandboxError) Unwrap() error {
	return e.Cause
}
