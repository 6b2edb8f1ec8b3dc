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

package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/internal/clientcache"
	"github.com/tombee/outpost/internal/envelope"
	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// fakeCursor records executed statements and returns canned rows.
type fakeCursor struct {
	executed []string
	rows     []any
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
	}
}

// fakeBackend is a minimal DBAPI-shaped proxy client.
type fakeBackend struct {
	proxy.Base
	cursor *fakeCursor
	closed bool
	fail   error
}

func (f *fakeBackend) Attrs() proxy.AttrTable {
	return proxy.AttrTable{
		"cursor": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			if f.fail != nil {
				return nil, f.fail
			}
			return f.cursor, nil
		}},
		"ping": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return "pong", nil
		}},
	}
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func newTestAgent(backend *fakeBackend) (*Agent, *clientcache.Cache) {
	cache := clientcache.New(clientcache.WithFactory(
		func(context.Context, string, map[string]any) (proxy.Client, error) {
			return backend, nil
		}))
	return New(Config{Cache: cache}), cache
}

func commandRequest() *Request {
	return &Request{
		Credentials: map[string]any{
			"connection_type": "postgres",
			"connect_args":    map[string]any{"host": "db1"},
		},
		Operation: &operation.Operation{
			TraceID: "t1",
			Commands: []*operation.Command{
				{Method: "cursor", Store: "c"},
				{Target: "c", Method: "execute", Args: []operation.Value{operation.ScalarValue("SELECT 1")}},
				{Target: "c", Method: "fetchall"},
			},
		},
	}
}

func TestExecute_CommandChainEnvelope(t *testing.T) {
	backend := &fakeBackend{cursor: &fakeCursor{rows: []any{[]any{int64(1)}}}}
	a, _ := newTestAgent(backend)

	env := a.Execute(context.Background(), commandRequest())

	assert.Equal(t, []any{[]any{int64(1)}}, env[envelope.ResultKey])
	assert.Equal(t, "t1", env[envelope.TraceIDKey])
	assert.NotContains(t, env, envelope.ErrorKey)
	assert.Equal(t, []string{"SELECT 1"}, backend.cursor.executed)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"__mcd_result__": [[1]], "__mcd_trace_id__": "t1"}`, string(raw))
}

func TestExecute_ScriptOperation(t *testing.T) {
	backend := &fakeBackend{}
	a, _ := newTestAgent(backend)

	env := a.Execute(context.Background(), &Request{
		Credentials: map[string]any{"connection_type": "postgres"},
		Operation: &operation.Operation{
			TraceID:     "t2",
			EntryModule: "main",
			Modules: []operation.ScriptModule{
				{Name: "main", Source: "def run(client, context):\n    return client.ping() + \":\" + context[\"trace_id\"]\n"},
			},
		},
	})

	assert.Equal(t, "pong:t2", env[envelope.ResultKey])
	assert.Equal(t, "t2", env[envelope.TraceIDKey])
}

func TestExecute_BackendFailureBecomesErrorEnvelopeAndEvicts(t *testing.T) {
	backend := &fakeBackend{
		fail: &errors.ExecutionError{Kind: "OperationalError", Message: "connection reset"},
	}
	a, cache := newTestAgent(backend)

	req := commandRequest()
	// Warm the cache, then fail.
	env := a.Execute(context.Background(), req)

	assert.Contains(t, env[envelope.ErrorKey], "connection reset")
	assert.Equal(t, "OperationalError", env[envelope.ErrorTypeKey])
	assert.Equal(t, "t1", env[envelope.TraceIDKey])
	assert.NotContains(t, env, envelope.ResultKey)

	// The failed client was evicted and closed.
	assert.Equal(t, 0, cache.Len())
	assert.True(t, backend.closed)
}

func TestExecute_SkipCacheNeverStores(t *testing.T) {
	backend := &fakeBackend{cursor: &fakeCursor{rows: []any{}}}
	a, cache := newTestAgent(backend)

	req := commandRequest()
	req.Operation.SkipCache = true
	env := a.Execute(context.Background(), req)

	assert.NotContains(t, env, envelope.ErrorKey)
	assert.Equal(t, 0, cache.Len())
}

func TestExecute_MissingConnectionType(t *testing.T) {
	a, _ := newTestAgent(&fakeBackend{})

	env := a.Execute(context.Background(), &Request{
		Credentials: map[string]any{},
		Operation: &operation.Operation{
			Commands: []*operation.Command{{Method: "ping"}},
		},
	})

	assert.Contains(t, env[envelope.ErrorKey], "connection_type")
	assert.Equal(t, "configuration_error", env[envelope.ErrorTypeKey])
}

func TestExecute_InvalidOperationRejected(t *testing.T) {
	a, _ := newTestAgent(&fakeBackend{})

	env := a.Execute(context.Background(), &Request{
		Credentials: map[string]any{"connection_type": "postgres"},
		Operation:   &operation.Operation{ResponseType: "XML"},
	})

	assert.Equal(t, "request_error", env[envelope.ErrorTypeKey])
	assert.Contains(t, env, envelope.ErrorKey)
}

func TestExecute_NilOperation(t *testing.T) {
	a, _ := newTestAgent(&fakeBackend{})

	env := a.Execute(context.Background(), &Request{
		Credentials: map[string]any{"connection_type": "postgres"},
	})

	assert.Equal(t, "request_error", env[envelope.ErrorTypeKey])
}

func TestExecute_UnknownCredentialStrategy(t *testing.T) {
	a, _ := newTestAgent(&fakeBackend{})

	req := commandRequest()
	req.Credentials["type"] = "vault"
	env := a.Execute(context.Background(), req)

	assert.Equal(t, "configuration_error", env[envelope.ErrorTypeKey])
	assert.Contains(t, env[envelope.ErrorKey], "vault")
}

func TestExecute_MethodNotFound(t *testing.T) {
	backend := &fakeBackend{cursor: &fakeCursor{}}
	a, _ := newTestAgent(backend)

	env := a.Execute(context.Background(), &Request{
		Credentials: map[string]any{"connection_type": "postgres"},
		Operation: &operation.Operation{
			TraceID:  "t3",
			Commands: []*operation.Command{{Method: "frobnicate"}},
		},
	})

	assert.Contains(t, env[envelope.ErrorKey], "frobnicate")
	assert.Equal(t, "not_found", env[envelope.ErrorTypeKey])
}
