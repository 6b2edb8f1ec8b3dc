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

// Package envelope shapes operation results and failures into the wire
// envelope the controller understands. Every operation produces exactly
// one envelope: success carries the result inline, compressed inline, or
// as a presigned URL to an out-of-band object; failure carries the error
// message, its classified kind, and whatever structured attributes the
// backend supplied.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tombee/outpost/internal/codec"
	"github.com/tombee/outpost/internal/metrics"
	"github.com/tombee/outpost/internal/objectstore"
	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// Wire keys. Callers key off these exact strings; never rename.
const (
	ResultKey         = "__mcd_result__"
	ResultLocationKey = "__mcd_result_location__"
	TraceIDKey        = "__mcd_trace_id__"
	ErrorKey          = "__mcd_error__"
	ErrorTypeKey      = "__mcd_error_type__"
	StackTraceKey     = "__mcd_stack_trace__"
	ExceptionKey      = "__mcd_exception__"
)

// GzipMarker prefixes an inline result that was gzipped and
// base64-encoded to fit under the inline compression threshold.
const GzipMarker = "__mcd_gzip__:"

// Envelope is the wire response payload.
type Envelope map[string]any

// Builder turns results and errors into envelopes. The store may be nil
// when no out-of-band storage is configured; URL-mode operations then
// fail with a ConfigurationError.
type Builder struct {
	store     objectstore.Store
	urlExpiry time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Builder.
type Option func(*Builder)

// WithURLExpiry overrides the presigned URL validity window.
func WithURLExpiry(expiry time.Duration) Option {
	return func(b *Builder) { b.urlExpiry = expiry }
}

// WithLogger sets the builder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithMetrics observes serialized result sizes on the given instrument
// set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// New creates an envelope builder backed by the given response store.
func New(store objectstore.Store, opts ...Option) *Builder {
	b := &Builder{
		store:     store,
		urlExpiry: objectstore.DefaultURLExpiry,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Success builds the success envelope for an operation's final result.
//
// Delivery is decided from the serialized size: URL mode or a configured
// size-limit overflow stores the payload out-of-band and returns a
// presigned URL; otherwise an inline compression threshold may gzip the
// inline value; otherwise the result travels as a literal JSON value.
// URL-mode delivery ignores the inline threshold.
func (b *Builder) Success(ctx context.Context, op *operation.Operation, result any) (Envelope, error) {
	encoded := codec.Encode(result)
	payload, err := json.Marshal(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "serializing result")
	}
	if b.metrics != nil {
		b.metrics.ResponseBytes.Observe(float64(len(payload)))
	}

	env := Envelope{}
	switch {
	case op.MustUseLocation(len(payload)):
		url, err := b.storeResult(ctx, op, payload)
		if err != nil {
			return nil, err
		}
		env[ResultLocationKey] = url

	case op.ShouldCompressInline(len(payload)):
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, errors.Wrap(err, "compressing result")
		}
		env[ResultKey] = GzipMarker + base64.StdEncoding.EncodeToString(compressed)
		b.logger.DebugContext(ctx, "inline result compressed",
			slog.Int("raw_bytes", len(payload)),
			slog.Int("compressed_bytes", len(compressed)))

	default:
		env[ResultKey] = encoded
	}

	b.stampTraceID(env, op)
	return env, nil
}

// Error builds the error envelope for a failed operation. The backend's
// error-typing hook classifies the failure; its extra attributes merge
// into the envelope so richer client-side reconstruction is possible.
// The client may be nil when the failure happened before one existed.
func (b *Builder) Error(op *operation.Operation, client proxy.Client, opErr error) Envelope {
	env := Envelope{
		ErrorKey:     opErr.Error(),
		ExceptionKey: fmt.Sprintf("%T: %v", opErr, opErr),
	}

	kind := ""
	if client != nil {
		kind = client.ErrorType(opErr)
	}
	if kind == "" {
		kind = fallbackKind(opErr)
	}
	if kind != "" {
		env[ErrorTypeKey] = kind
	}

	if trace := unwrapTrace(opErr); len(trace) > 1 {
		env[StackTraceKey] = trace
	}

	if client != nil {
		for key, value := range client.ErrorAttributes(opErr) {
			if _, reserved := env[key]; !reserved {
				env[key] = value
			}
		}
	}

	b.stampTraceID(env, op)
	return env
}

// storeResult writes the serialized payload out-of-band and returns a
// presigned URL for it.
func (b *Builder) storeResult(ctx context.Context, op *operation.Operation, payload []byte) (string, error) {
	if b.store == nil {
		return "", &errors.ConfigurationError{
			Key:    "storage",
			Reason: "operation requires out-of-band response delivery but no object store is configured",
		}
	}
	if op.TraceID == "" {
		return "", &errors.RequestError{
			Field:   "trace_id",
			Message: "required for out-of-band response delivery",
		}
	}

	data := payload
	contentType := "application/json"
	if op.CompressResponseFile {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return "", errors.Wrap(err, "compressing stored result")
		}
		data = compressed
		contentType = "application/gzip"
	}

	key := objectstore.ResponseKey(op.TraceID)
	if err := b.store.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}

	url, err := b.store.PresignedURL(ctx, key, b.urlExpiry)
	if err != nil {
		return "", err
	}

	b.logger.DebugContext(ctx, "result stored out-of-band",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
		slog.Bool("compressed", op.CompressResponseFile))
	return url, nil
}

func (b *Builder) stampTraceID(env Envelope, op *operation.Operation) {
	if op != nil && op.TraceID != "" {
		env[TraceIDKey] = op.TraceID
	}
}

// fallbackKind classifies gateway-typed errors when the backend declines
// to.
func fallbackKind(err error) string {
	var (
		cfgErr      *errors.ConfigurationError
		reqErr      *errors.RequestError
		notFoundErr *errors.NotFoundError
		execErr     *errors.ExecutionError
		sandboxErr  *errors.SandboxError
	)
	switch {
	case errors.As(err, &sandboxErr):
		return "sandbox_violation"
	case errors.As(err, &cfgErr):
		return "configuration_error"
	case errors.As(err, &reqErr):
		return "request_error"
	case errors.As(err, &notFoundErr):
		return "not_found"
	case errors.As(err, &execErr):
		if execErr.Kind != "" {
			return execErr.Kind
		}
		return "execution_error"
	default:
		return ""
	}
}

// unwrapTrace walks the error chain outermost-first, one message per
// layer.
func unwrapTrace(err error) []string {
	var trace []string
	for err != nil {
		trace = append(trace, err.Error())
		err = errors.Unwrap(err)
	}
	return trace
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
