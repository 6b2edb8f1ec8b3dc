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

package log

import (
	"context"
	"log/slog"
)

type contextFieldsKey struct{}

// WithFields returns a context carrying the given log attributes.
// Attributes accumulate: fields from an outer context are preserved and
// appear before the new ones on every record logged with the context.
func WithFields(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing := fieldsFrom(ctx)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, contextFieldsKey{}, merged)
}

// WithOperation returns a context carrying the standard per-operation
// identifying fields. An empty trace ID is omitted.
func WithOperation(ctx context.Context, operation, traceID string) context.Context {
	attrs := []slog.Attr{slog.String(OperationKey, operation)}
	if traceID != "" {
		attrs = append(attrs, slog.String(TraceIDKey, traceID))
	}
	return WithFields(ctx, attrs...)
}

// fieldsFrom extracts the accumulated attributes from a context.
func fieldsFrom(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(contextFieldsKey{}).([]slog.Attr)
	return attrs
}

// contextHandler merges context-carried attributes into every record.
// It replaces the ambient "current logging context" of dynamically scoped
// runtimes with an explicit context value threaded through each call.
type contextHandler struct {
	inner slog.Handler
}

func newContextHandler(inner slog.Handler) slog.Handler {
	return &contextHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, prepending any context-carried fields.
func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := fieldsFrom(ctx); len(attrs) > 0 {
		record = record.Clone()
		record.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
