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

// Package agent wires the gateway's components per incoming request:
// credential resolution, client lookup, command or script execution, and
// envelope shaping. Execute never returns a Go error; every failure
// anywhere in the pipeline is caught exactly once here and becomes an
// error envelope.
package agent

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/outpost/internal/clientcache"
	"github.com/tombee/outpost/internal/credentials"
	"github.com/tombee/outpost/internal/dispatch"
	"github.com/tombee/outpost/internal/envelope"
	"github.com/tombee/outpost/internal/log"
	"github.com/tombee/outpost/internal/metrics"
	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/internal/redact"
	"github.com/tombee/outpost/internal/sandbox"
	"github.com/tombee/outpost/internal/tracing"
	"github.com/tombee/outpost/pkg/errors"
)

// ConnectionTypeKey names the backend connector inside the credentials
// payload.
const ConnectionTypeKey = "connection_type"

// Request is one inbound execution request.
type Request struct {
	// Credentials carries the connection type, the credential resolution
	// strategy, and connect_args for the connector factory.
	Credentials map[string]any `json:"credentials"`

	// Operation is the command chain or script to run.
	Operation *operation.Operation `json:"operation"`
}

// Agent executes operations end to end.
type Agent struct {
	cache    *clientcache.Cache
	creds    *credentials.Resolver
	envelope *envelope.Builder
	sandbox  *sandbox.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	redactor *redact.Redactor
}

// Config assembles an Agent from its collaborators. Nil fields get
// working defaults; Metrics may stay nil to disable instrumentation.
type Config struct {
	Cache    *clientcache.Cache
	Creds    *credentials.Resolver
	Envelope *envelope.Builder
	Sandbox  *sandbox.Engine
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New creates an agent.
func New(cfg Config) *Agent {
	a := &Agent{
		cache:    cfg.Cache,
		creds:    cfg.Creds,
		envelope: cfg.Envelope,
		sandbox:  cfg.Sandbox,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		redactor: redact.NewRedactor(),
	}
	if a.cache == nil {
		a.cache = clientcache.New()
	}
	if a.creds == nil {
		a.creds = credentials.NewDefaultResolver()
	}
	if a.envelope == nil {
		a.envelope = envelope.New(nil)
	}
	if a.sandbox == nil {
		a.sandbox = sandbox.NewEngine(sandbox.Config{})
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Execute runs one request and always produces an envelope. The request
// must carry an operation; everything after that point converts failures
// into error envelopes rather than returning them.
func (a *Agent) Execute(ctx context.Context, req *Request) envelope.Envelope {
	op := req.Operation
	if op == nil {
		op = &operation.Operation{}
		return a.fail(ctx, op, nil, &errors.RequestError{
			Field:   "operation",
			Message: "request has no operation",
		}, "", time.Time{})
	}

	start := time.Now()
	connectionType, _ := req.Credentials[ConnectionTypeKey].(string)

	ctx = log.WithOperation(ctx, operationName(op), op.TraceID)
	ctx = log.WithFields(ctx, slog.String(log.ConnectionTypeKey, connectionType))

	ctx, span := tracing.Tracer().Start(ctx, "operation.execute",
		trace.WithAttributes(
			attribute.String("outpost.connection_type", connectionType),
			attribute.String("outpost.trace_id", op.TraceID),
			attribute.Bool("outpost.script", op.IsScript()),
		))
	defer span.End()

	if err := op.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return a.fail(ctx, op, nil, err, connectionType, start)
	}
	if connectionType == "" {
		err := &errors.ConfigurationError{
			Key:    "credentials." + ConnectionTypeKey,
			Reason: "required field is missing",
		}
		span.SetStatus(codes.Error, err.Error())
		return a.fail(ctx, op, nil, err, connectionType, start)
	}

	resolved, err := a.creds.Resolve(ctx, req.Credentials)
	if err != nil {
		span.SetStatus(codes.Error, "credential resolution failed")
		return a.fail(ctx, op, nil, err, connectionType, start)
	}

	client, err := a.cache.GetOrCreate(ctx, connectionType, resolved, op.SkipCache)
	if err != nil {
		span.SetStatus(codes.Error, "client construction failed")
		return a.fail(ctx, op, nil, err, connectionType, start)
	}

	a.logger.InfoContext(ctx, "operation received",
		slog.Any("payload", a.redactor.Redact(client.LogPayload(op))))

	result, err := a.run(ctx, op, client)
	if err != nil {
		// Some backends leave their connection unusable after a failed
		// call; the next operation gets a fresh client.
		a.cache.Dispose(ctx, connectionType, resolved, op.SkipCache)
		span.SetStatus(codes.Error, "execution failed")
		return a.fail(ctx, op, client, err, connectionType, start)
	}

	env, err := a.envelope.Success(ctx, op, result)
	if err != nil {
		span.SetStatus(codes.Error, "envelope shaping failed")
		return a.fail(ctx, op, client, err, connectionType, start)
	}

	a.observe(connectionType, metrics.StatusOK, start)
	a.logger.InfoContext(ctx, "operation succeeded",
		slog.Duration(log.DurationKey, time.Since(start)))
	return env
}

// run dispatches to the sandbox or the command executor.
func (a *Agent) run(ctx context.Context, op *operation.Operation, client proxy.Client) (any, error) {
	if op.IsScript() {
		result, err := a.sandbox.Execute(ctx, op.Script(), client, scriptContext(op))
		if a.metrics != nil {
			status := metrics.StatusOK
			if err != nil {
				status = metrics.StatusError
			}
			a.metrics.ScriptRunsTotal.WithLabelValues(status).Inc()
		}
		return result, err
	}
	return dispatch.New(client, a.logger).Execute(ctx, op.Commands)
}

// fail classifies the error, logs it redacted, and shapes the error
// envelope.
func (a *Agent) fail(ctx context.Context, op *operation.Operation, client proxy.Client, err error, connectionType string, start time.Time) envelope.Envelope {
	a.logger.ErrorContext(ctx, "operation failed",
		slog.String("error", a.redactor.RedactString(err.Error())))
	if !start.IsZero() {
		a.observe(connectionType, metrics.StatusError, start)
	}
	return a.envelope.Error(op, client, err)
}

func (a *Agent) observe(connectionType, status string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.OperationsTotal.WithLabelValues(connectionType, status).Inc()
	a.metrics.OperationDuration.WithLabelValues(connectionType).Observe(time.Since(start).Seconds())
}

// scriptContext is the string map handed to script entrypoints.
func scriptContext(op *operation.Operation) map[string]string {
	sc := map[string]string{}
	if op.TraceID != "" {
		sc["trace_id"] = op.TraceID
	}
	return sc
}

func operationName(op *operation.Operation) string {
	if op.IsScript() {
		return "script"
	}
	return "commands"
}
