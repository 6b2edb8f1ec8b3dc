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

package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/pkg/errors"
)

// tableClient is a minimal client backed by explicit tables.
type tableClient struct {
	Base
	attrs   AttrTable
	wrapped AttrTable
}

func (c *tableClient) Attrs() AttrTable        { return c.attrs }
func (c *tableClient) WrappedAttrs() AttrTable { return c.wrapped }
func (c *tableClient) Close() error            { return nil }

func constMethod(result any) Method {
	return func(context.Context, []any, map[string]any) (any, error) {
		return result, nil
	}
}

func TestLookup_OwnTableWinsOverWrapped(t *testing.T) {
	client := &tableClient{
		attrs:   AttrTable{"m": {Invoke: constMethod("own")}},
		wrapped: AttrTable{"m": {Invoke: constMethod("wrapped")}},
	}

	attr, ok := Lookup(client, "m")
	require.True(t, ok)

	result, err := attr.Invoke(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "own", result)
}

func TestLookup_FallsBackToWrapped(t *testing.T) {
	client := &tableClient{
		attrs:   AttrTable{},
		wrapped: AttrTable{"only_wrapped": {Invoke: constMethod("wrapped")}},
	}

	attr, ok := Lookup(client, "only_wrapped")
	require.True(t, ok)

	result, err := attr.Invoke(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", result)
}

func TestLookup_MissingEverywhere(t *testing.T) {
	client := &tableClient{attrs: AttrTable{}}
	_, ok := Lookup(client, "nope")
	assert.False(t, ok)
}

func TestRegistry_UnknownTypeIsConfigurationError(t *testing.T) {
	_, err := New(context.Background(), "quantum_db", nil)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "quantum_db")
}

func TestRegistry_RegisterAndNew(t *testing.T) {
	Register("test_table", func(context.Context, map[string]any) (Client, error) {
		return &tableClient{attrs: AttrTable{}}, nil
	})

	client, err := New(context.Background(), "test_table", nil)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Contains(t, Registered(), "test_table")
}

func TestBaseLogPayload_RedactsAndSummarizes(t *testing.T) {
	op := &operation.Operation{
		TraceID: "t1",
		Commands: []*operation.Command{
			{Method: "cursor", Next: &operation.Command{Method: "execute"}},
			{Method: "fetchall"},
		},
	}

	payload := Base{}.LogPayload(op)
	require.NotNil(t, payload)
	assert.Equal(t, "t1", payload["trace_id"])

	methods := payload["methods"].([]any)
	assert.Len(t, methods, 3)
}
