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

// Package dispatch interprets an operation's command chain: argument and
// reference resolution, two-level method lookup, chaining, and result
// storage. The only side effect owned here is execution-context mutation
// via `store`; everything else belongs to the dispatched methods.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/outpost/internal/codec"
	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// Executor runs command chains against one proxy client.
type Executor struct {
	client proxy.Client
	logger *slog.Logger
}

// New creates an executor bound to a proxy client.
func New(client proxy.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, logger: logger}
}

// Execute runs the top-level command list in order and returns the LAST
// command's result after the backend's ProcessResult hook. Any failure
// aborts the remaining commands immediately; panics from dispatched
// methods are recovered and returned as errors, never propagated.
func (e *Executor) Execute(ctx context.Context, commands []*operation.Command) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.ExecutionError{
				Message: fmt.Sprintf("panic during command execution: %v", r),
			}
			result = nil
		}
	}()

	execCtx := NewContext(e.client)

	for i, cmd := range commands {
		result, err = e.executeChain(ctx, execCtx, cmd)
		if err != nil {
			e.logger.DebugContext(ctx, "command sequence aborted",
				slog.Int("command_index", i),
				slog.String("method", cmd.Method))
			return nil, err
		}
	}

	processed, err := e.client.ProcessResult(result)
	if err != nil {
		return nil, errors.Wrap(err, "processing result")
	}
	return processed, nil
}

// executeChain traverses a command's `next` chain. Each step's result is
// the implicit target for the following step unless that step names its
// own target.
func (e *Executor) executeChain(ctx context.Context, execCtx *Context, cmd *operation.Command) (any, error) {
	var result any
	haveImplicit := false

	for c := cmd; c != nil; c = c.Next {
		target, err := e.resolveTarget(execCtx, c, result, haveImplicit)
		if err != nil {
			return nil, err
		}

		result, err = e.executeSingle(ctx, execCtx, target, c)
		if err != nil {
			return nil, err
		}
		haveImplicit = true
	}
	return result, nil
}

// resolveTarget picks the dispatch target for one step: an explicit
// `target` resolves from context, an implicit one is the previous step's
// result, and the chain head defaults to the client binding.
func (e *Executor) resolveTarget(execCtx *Context, c *operation.Command, implicit any, haveImplicit bool) (any, error) {
	if c.Target != "" {
		target, ok := execCtx.Resolve(c.Target)
		if !ok {
			return nil, &errors.NotFoundError{Resource: "target in context", ID: c.Target}
		}
		return target, nil
	}
	if haveImplicit {
		return implicit, nil
	}
	target, ok := execCtx.Resolve(operation.DefaultTarget)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "target in context", ID: operation.DefaultTarget}
	}
	return target, nil
}

// executeSingle dispatches one command against a target: two-level method
// lookup, argument resolution, invocation or property read, and `store`
// binding.
func (e *Executor) executeSingle(ctx context.Context, execCtx *Context, target any, c *operation.Command) (any, error) {
	attr, ok := proxy.Lookup(target, c.Method)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "method", ID: c.Method}
	}

	var result any
	var err error
	switch {
	case attr.Invoke != nil:
		args, kwargs, rerr := e.resolveArguments(ctx, execCtx, c)
		if rerr != nil {
			return nil, rerr
		}
		result, err = attr.Invoke(ctx, args, kwargs)
	case attr.Get != nil:
		result, err = attr.Get()
	default:
		return nil, &errors.NotFoundError{Resource: "method", ID: c.Method}
	}
	if err != nil {
		return nil, err
	}

	if c.Store != "" {
		execCtx.Store(c.Store, result)
	}
	return result, nil
}

// resolveArguments resolves a command's args and kwargs element-wise.
// Absent collections become empty, never nil lookups downstream.
func (e *Executor) resolveArguments(ctx context.Context, execCtx *Context, c *operation.Command) ([]any, map[string]any, error) {
	args := make([]any, 0, len(c.Args))
	for i, v := range c.Args {
		resolved, err := e.resolveValue(ctx, execCtx, v)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "resolving argument %d of %s", i, c.Method)
		}
		args = append(args, resolved)
	}

	kwargs := make(map[string]any, len(c.Kwargs))
	for name, v := range c.Kwargs {
		resolved, err := e.resolveValue(ctx, execCtx, v)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "resolving keyword argument %s of %s", name, c.Method)
		}
		kwargs[name] = resolved
	}
	return args, kwargs, nil
}

// resolveValue materializes one argument: scalars pass through,
// references resolve from context, nested calls execute recursively in
// the same context, and typed literals decode through the codec.
func (e *Executor) resolveValue(ctx context.Context, execCtx *Context, v operation.Value) (any, error) {
	switch v.Kind {
	case operation.KindScalar:
		return v.Scalar, nil

	case operation.KindReference:
		resolved, ok := execCtx.Resolve(v.Reference)
		if !ok {
			return nil, &errors.NotFoundError{Resource: "reference in context", ID: v.Reference}
		}
		return resolved, nil

	case operation.KindCall:
		return e.executeChain(ctx, execCtx, v.Call)

	case operation.KindTypedLiteral:
		return codec.Decode(v.LiteralType, v.LiteralData)

	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}
