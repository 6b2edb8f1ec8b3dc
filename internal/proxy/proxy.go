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

// Package proxy defines the capability interface every backend connector
// implements. A connector owns a live backend connection and exposes its
// invokable surface as an explicit dispatch table; string-keyed method
// dispatch never goes through reflection.
package proxy

import (
	"context"

	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/redact"
)

// Method is one invokable entry of a dispatch table.
type Method func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Attr is a named attribute of a client: callable when Invoke is set,
// otherwise a property read through Get.
type Attr struct {
	Invoke Method
	Get    func() (any, error)
}

// AttrTable maps attribute names to their dispatch entries.
type AttrTable map[string]Attr

// Client is the connector capability surface consumed by the execution
// engine. Implementations own the backend connection; they are not assumed
// safe for concurrent use, so one client serves one in-flight operation.
type Client interface {
	// Attrs returns the client's own dispatch table.
	Attrs() AttrTable

	// WrappedAttrs returns the lower-level driver surface the client
	// optionally delegates to. May return nil.
	WrappedAttrs() AttrTable

	// ProcessResult canonicalizes driver-specific objects into
	// serializable structures before envelope building.
	ProcessResult(v any) (any, error)

	// ErrorType classifies an execution error so recognizable kinds
	// survive transport. Empty means unclassified.
	ErrorType(err error) string

	// ErrorAttributes supplies structured attributes for client-side
	// error reconstruction. May return nil.
	ErrorAttributes(err error) map[string]any

	// Driver exposes the underlying driver object handed to scripts.
	Driver() any

	// LogPayload returns the loggable view of an operation. The value
	// must already be safe to log; the agent redacts it again regardless.
	LogPayload(op *operation.Operation) map[string]any

	// Close releases the backend connection.
	Close() error
}

// Dispatchable is anything exposing a dispatch table. Command results
// that are themselves invokable (cursors, sub-objects) implement it.
type Dispatchable interface {
	Attrs() AttrTable
}

// WrappedProvider optionally exposes a secondary lookup table consulted
// after the primary one.
type WrappedProvider interface {
	WrappedAttrs() AttrTable
}

// Lookup resolves an attribute by name with the ordered two-level
// strategy: the target's own table first, then the wrapped table. When a
// name exists in both, the target's own entry always wins. The second
// return is false when the target exposes no table or the name is absent
// from both levels.
func Lookup(target any, name string) (Attr, bool) {
	d, ok := target.(Dispatchable)
	if !ok {
		return Attr{}, false
	}
	if attr, ok := d.Attrs()[name]; ok {
		return attr, true
	}
	if wp, ok := target.(WrappedProvider); ok {
		if wrapped := wp.WrappedAttrs(); wrapped != nil {
			if attr, ok := wrapped[name]; ok {
				return attr, true
			}
		}
	}
	return Attr{}, false
}

// Base provides default hook implementations for connectors that only
// need a dispatch table. Embed it and override what the backend can do
// better.
type Base struct{}

// WrappedAttrs returns nil; connectors without a lower-level driver
// surface keep the single-table lookup.
func (Base) WrappedAttrs() AttrTable { return nil }

// ProcessResult passes the value through unchanged.
func (Base) ProcessResult(v any) (any, error) { return v, nil }

// ErrorType leaves errors unclassified.
func (Base) ErrorType(error) string { return "" }

// ErrorAttributes supplies no extra attributes.
func (Base) ErrorAttributes(error) map[string]any { return nil }

// Driver exposes nothing; script-capable connectors override this.
func (Base) Driver() any { return nil }

// LogPayload summarizes the operation's command methods with all argument
// content redacted.
func (Base) LogPayload(op *operation.Operation) map[string]any {
	if op == nil {
		return nil
	}
	payload := map[string]any{
		"trace_id":      op.TraceID,
		"response_type": string(op.ResponseType),
		"script":        op.IsScript(),
	}
	if len(op.Commands) > 0 {
		methods := make([]string, 0, len(op.Commands))
		for _, cmd := range op.Commands {
			for c := cmd; c != nil; c = c.Next {
				methods = append(methods, c.Method)
			}
		}
		payload["methods"] = methods
	}
	return redact.Standard(payload).(map[string]any)
}
