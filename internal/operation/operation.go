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

// Package operation defines the wire-level execution model: an Operation
// carries either a command chain or a sandboxed script, plus the
// response-shaping configuration. Payloads are parsed once at the transport
// boundary and only traversed afterwards.
package operation

import (
	"fmt"

	"github.com/tombee/outpost/pkg/errors"
)

// ResponseType selects how the operation result travels back.
type ResponseType string

const (
	// ResponseTypeJSON returns the result inline in the envelope.
	ResponseTypeJSON ResponseType = "JSON"
	// ResponseTypeURL stores the result out-of-band and returns a
	// presigned location instead.
	ResponseTypeURL ResponseType = "URL"
)

// Operation is one request's execution unit. It is parsed once per request
// and never mutated afterwards.
type Operation struct {
	// TraceID correlates the operation across controller and gateway logs.
	TraceID string `json:"trace_id,omitempty"`

	// Commands is the chained method-call payload. Mutually exclusive
	// with the script fields.
	Commands []*Command `json:"commands,omitempty"`

	// EntryModule, Modules, and Kwargs form the script payload.
	EntryModule string         `json:"entry_module,omitempty"`
	Modules     []ScriptModule `json:"modules,omitempty"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`

	// ResponseSizeLimitBytes forces out-of-band delivery for results
	// serializing larger than this. Zero disables the limit.
	ResponseSizeLimitBytes int `json:"response_size_limit_bytes,omitempty"`

	// CompressResponseThresholdBytes enables inline compression for
	// results larger than this. Zero disables compression.
	CompressResponseThresholdBytes int `json:"compress_response_threshold_bytes,omitempty"`

	// ResponseType is JSON (inline) or URL (out-of-band).
	ResponseType ResponseType `json:"response_type,omitempty"`

	// SkipCache bypasses the proxy client cache for this operation.
	SkipCache bool `json:"skip_cache,omitempty"`

	// CompressResponseFile gzips the stored object in URL mode.
	CompressResponseFile bool `json:"compress_response_file,omitempty"`
}

// ScriptModule is one named source module of a script payload.
type ScriptModule struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Validate enforces the operation invariants. It runs once per request
// at the agent boundary, before any backend work starts.
func (o *Operation) Validate() error {
	switch o.ResponseType {
	case "", ResponseTypeJSON, ResponseTypeURL:
	default:
		return &errors.RequestError{
			Field:   "response_type",
			Message: "must be JSON or URL, got " + string(o.ResponseType),
		}
	}

	if len(o.Commands) > 0 && o.EntryModule != "" {
		return &errors.RequestError{
			Field:   "commands",
			Message: "commands and entry_module are mutually exclusive",
		}
	}
	if len(o.Commands) == 0 && o.EntryModule == "" {
		return &errors.RequestError{
			Field:   "operation",
			Message: "either commands or entry_module is required",
		}
	}

	for i, cmd := range o.Commands {
		if err := cmd.validate(); err != nil {
			return &errors.RequestError{
				Field:   fmt.Sprintf("commands[%d]", i),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// IsScript reports whether the operation carries a script payload.
func (o *Operation) IsScript() bool {
	return o.EntryModule != ""
}

// Script returns the script payload view of the operation.
func (o *Operation) Script() *Script {
	return &Script{
		EntryModule: o.EntryModule,
		Modules:     o.Modules,
		Kwargs:      o.Kwargs,
	}
}

// MustUseLocation reports whether a result of the given serialized size
// has to be delivered out-of-band. Pure function of the configuration and
// the observed size.
func (o *Operation) MustUseLocation(serializedSize int) bool {
	if o.ResponseType == ResponseTypeURL {
		return true
	}
	return o.ResponseSizeLimitBytes > 0 && serializedSize > o.ResponseSizeLimitBytes
}

// ShouldCompressInline reports whether an inline result of the given
// serialized size gets the compressive transform. URL-mode responses never
// compress inline; the UI-facing URL path ignores the inline threshold.
func (o *Operation) ShouldCompressInline(serializedSize int) bool {
	if o.ResponseType == ResponseTypeURL {
		return false
	}
	return o.CompressResponseThresholdBytes > 0 && serializedSize > o.CompressResponseThresholdBytes
}

// Script is the alternative payload to a command list.
type Script struct {
	EntryModule string
	Modules     []ScriptModule
	Kwargs      map[string]any
}
