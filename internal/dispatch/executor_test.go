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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// fakeCursor records executed statements and returns canned rows.
type fakeCursor struct {
	executed []string
	rows     any
}

func (f *fakeCursor) Attrs() proxy.AttrTable {
	return proxy.AttrTable{
		"execute": {Invoke: func(_ context.Context, args []any, _ map[string]any) (any, error) {
			stmt, _ := args[0].(string)
			f.executed = append(f.executed, stmt)
			return f, nil
		}},
		"fetchall": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return f.rows, nil
		}},
		"rowcount": {Get: func() (any, error) {
			return len(f.executed), nil
		}},
	}
}

// fakeBackend is a minimal database-flavored proxy client.
type fakeBackend struct {
	proxy.Base
	cursor    *fakeCursor
	wrapped   proxy.AttrTable
	processed bool
	errKind   string
	failWith  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cursor: &fakeCursor{rows: []any{[]any{float64(1)}}},
	}
}

func (f *fakeBackend) Attrs() proxy.AttrTable {
	attrs := proxy.AttrTable{
		"cursor": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return f.cursor, nil
		}},
		"echo": {Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
			return map[string]any{"args": args, "kwargs": kwargs}, nil
		}},
		"fail": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return nil, f.failWith
		}},
		"explode": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			panic("driver went sideways")
		}},
		"version": {Get: func() (any, error) {
			return "9.9", nil
		}},
	}
	return attrs
}

func (f *fakeBackend) WrappedAttrs() proxy.AttrTable { return f.wrapped }

func (f *fakeBackend) ProcessResult(v any) (any, error) {
	f.processed = true
	return v, nil
}

func (f *fakeBackend) ErrorType(error) string { return f.errKind }

func (f *fakeBackend) Close() error { return nil }

func parseCommands(t *testing.T, payload string) []*operation.Command {
	t.Helper()
	var cmds []*operation.Command
	require.NoError(t, json.Unmarshal([]byte(payload), &cmds))
	return cmds
}

func TestExecute_CursorChain(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "cursor", "store": "c"},
		{"target": "c", "method": "execute", "args": ["SELECT 1"]},
		{"target": "c", "method": "fetchall"}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)

	assert.Equal(t, []any{[]any{float64(1)}}, result)
	assert.Equal(t, []string{"SELECT 1"}, backend.cursor.executed)
	assert.True(t, backend.processed, "ProcessResult hook must run on the final result")
}

func TestExecute_ResultIsLastCommandOnly(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "echo", "args": ["first"]},
		{"method": "version"}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, "9.9", result)
}

func TestExecute_NextChainImplicitTarget(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	// cursor's result becomes the implicit target of the chained execute.
	cmds := parseCommands(t, `[
		{"method": "cursor", "next": {"method": "execute", "args": ["SELECT 2"], "next": {"method": "fetchall"}}}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{float64(1)}}, result)
	assert.Equal(t, []string{"SELECT 2"}, backend.cursor.executed)
}

func TestExecute_ExplicitTargetOverridesImplicit(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	// Second step names the client binding, ignoring cursor's result.
	cmds := parseCommands(t, `[
		{"method": "cursor", "next": {"target": "client", "method": "version"}}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, "9.9", result)
}

func TestExecute_StoreThenReference(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "version", "store": "v"},
		{"method": "echo", "args": [{"__reference__": "v"}]}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, []any{"9.9"}, result.(map[string]any)["args"])
}

func TestExecute_StoredValueIsSameInstance(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "cursor", "store": "c"},
		{"method": "echo", "args": [{"__reference__": "c"}]}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	args := result.(map[string]any)["args"].([]any)
	assert.Same(t, backend.cursor, args[0].(*fakeCursor))
}

func TestExecute_MissingReference(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "echo", "args": [{"__reference__": "ghost"}]}
	]`)

	_, err := executor.Execute(context.Background(), cmds)
	require.Error(t, err)

	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.ID)
	assert.Contains(t, err.Error(), "not found")
}

func TestExecute_MethodNotFoundNamesIt(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[{"method": "levitate"}]`)

	_, err := executor.Execute(context.Background(), cmds)
	require.Error(t, err)

	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "levitate", nf.ID)
}

func TestExecute_TwoLevelLookupPrefersOwnTable(t *testing.T) {
	backend := newFakeBackend()
	backend.wrapped = proxy.AttrTable{
		"version": {Get: func() (any, error) { return "wrapped", nil }},
		"ping":    {Invoke: func(context.Context, []any, map[string]any) (any, error) { return "pong", nil }},
	}
	executor := New(backend, nil)

	t.Run("own table wins", func(t *testing.T) {
		result, err := executor.Execute(context.Background(), parseCommands(t, `[{"method": "version"}]`))
		require.NoError(t, err)
		assert.Equal(t, "9.9", result)
	})

	t.Run("wrapped table fills gaps", func(t *testing.T) {
		result, err := executor.Execute(context.Background(), parseCommands(t, `[{"method": "ping"}]`))
		require.NoError(t, err)
		assert.Equal(t, "pong", result)
	})
}

func TestExecute_NestedCallArgument(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "echo", "args": [{"__type__": "call", "method": "version"}]}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, []any{"9.9"}, result.(map[string]any)["args"])
}

func TestExecute_TypedLiteralArgument(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "echo", "args": [{"__type__": "datetime", "__data__": "2025-06-14T09:30:15.123456Z"}]}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)

	args := result.(map[string]any)["args"].([]any)
	ts, ok := args[0].(time.Time)
	require.True(t, ok, "expected decoded time.Time, got %T", args[0])
	assert.Equal(t, 2025, ts.Year())
}

func TestExecute_UtilsBinding(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"target": "utils", "method": "b64encode", "args": ["hello"]}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", result)
}

func TestExecute_FailureAbortsRemainingCommands(t *testing.T) {
	backend := newFakeBackend()
	backend.failWith = fmt.Errorf("connection reset")
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "fail"},
		{"method": "cursor", "store": "c"}
	]`)

	_, err := executor.Execute(context.Background(), cmds)
	require.Error(t, err)
	assert.Nil(t, backend.cursor.executed)
	assert.False(t, backend.processed, "ProcessResult must not run after a failure")
}

func TestExecute_RecoversPanics(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	_, err := executor.Execute(context.Background(), parseCommands(t, `[{"method": "explode"}]`))
	require.Error(t, err)

	var ee *errors.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, "driver went sideways")
}

func TestExecute_KwargsResolve(t *testing.T) {
	backend := newFakeBackend()
	executor := New(backend, nil)

	cmds := parseCommands(t, `[
		{"method": "version", "store": "v"},
		{"method": "echo", "kwargs": {"v": {"__reference__": "v"}, "n": 3}}
	]`)

	result, err := executor.Execute(context.Background(), cmds)
	require.NoError(t, err)

	kwargs := result.(map[string]any)["kwargs"].(map[string]any)
	assert.Equal(t, "9.9", kwargs["v"])
	assert.Equal(t, float64(3), kwargs["n"])
}
