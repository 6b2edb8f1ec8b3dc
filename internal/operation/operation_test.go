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

package operation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/pkg/errors"
)

// decodeOperation mirrors the production path: the transport unmarshals
// the payload, the agent validates it.
func decodeOperation(t *testing.T, payload string) (*Operation, error) {
	t.Helper()
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(payload), &op))
	return &op, op.Validate()
}

func TestDecode_CommandChain(t *testing.T) {
	payload := `{
		"trace_id": "t1",
		"response_type": "JSON",
		"commands": [
			{"method": "cursor", "store": "c"},
			{"target": "c", "method": "execute", "args": ["SELECT 1"]},
			{"target": "c", "method": "fetchall"}
		]
	}`

	op, err := decodeOperation(t, payload)
	require.NoError(t, err)

	assert.Equal(t, "t1", op.TraceID)
	assert.False(t, op.IsScript())
	require.Len(t, op.Commands, 3)
	assert.Equal(t, "cursor", op.Commands[0].Method)
	assert.Equal(t, "c", op.Commands[0].Store)
	assert.Equal(t, "c", op.Commands[1].Target)
	require.Len(t, op.Commands[1].Args, 1)
	assert.Equal(t, KindScalar, op.Commands[1].Args[0].Kind)
	assert.Equal(t, "SELECT 1", op.Commands[1].Args[0].Scalar)
}

func TestDecode_Script(t *testing.T) {
	payload := `{
		"trace_id": "t2",
		"entry_module": "main",
		"modules": [{"name": "main", "source": "def run(client, context): return 1"}],
		"kwargs": {"limit": 10}
	}`

	op, err := decodeOperation(t, payload)
	require.NoError(t, err)
	assert.True(t, op.IsScript())

	script := op.Script()
	assert.Equal(t, "main", script.EntryModule)
	require.Len(t, script.Modules, 1)
	assert.Equal(t, float64(10), script.Kwargs["limit"])
}

func TestValidate_RejectsUnknownResponseType(t *testing.T) {
	payload := `{"response_type": "CARRIER_PIGEON", "commands": [{"method": "ping"}]}`

	_, err := decodeOperation(t, payload)
	require.Error(t, err)

	var reqErr *errors.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "response_type", reqErr.Field)
}

func TestValidate_RejectsEmptyPayload(t *testing.T) {
	_, err := decodeOperation(t, `{"trace_id": "t"}`)
	require.Error(t, err)

	var reqErr *errors.RequestError
	assert.ErrorAs(t, err, &reqErr)
}

func TestValidate_RejectsCommandWithoutMethod(t *testing.T) {
	_, err := decodeOperation(t, `{"commands": [{"store": "x"}]}`)
	require.Error(t, err)
}

func TestValidate_RejectsBothPayloads(t *testing.T) {
	_, err := decodeOperation(t, `{"commands": [{"method": "ping"}], "entry_module": "main"}`)
	require.Error(t, err)
}

func TestValueUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		json string
		want ValueKind
	}{
		{"string scalar", `"hello"`, KindScalar},
		{"number scalar", `42`, KindScalar},
		{"bool scalar", `true`, KindScalar},
		{"null scalar", `null`, KindScalar},
		{"plain map scalar", `{"a": 1}`, KindScalar},
		{"reference", `{"__reference__": "c"}`, KindReference},
		{"nested call", `{"__type__": "call", "method": "cursor"}`, KindCall},
		{"typed literal", `{"__type__": "bytes", "__data__": "YWJj"}`, KindTypedLiteral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tt.json), &v))
			assert.Equal(t, tt.want, v.Kind)
		})
	}
}

func TestValueUnmarshal_NestedCallArgs(t *testing.T) {
	payload := `{
		"__type__": "call",
		"method": "execute",
		"args": [{"__reference__": "query"}],
		"kwargs": {"limit": 5}
	}`

	var v Value
	require.NoError(t, json.Unmarshal([]byte(payload), &v))
	require.Equal(t, KindCall, v.Kind)
	require.Len(t, v.Call.Args, 1)
	assert.Equal(t, KindReference, v.Call.Args[0].Kind)
	assert.Equal(t, "query", v.Call.Args[0].Reference)
	assert.Equal(t, KindScalar, v.Call.Kwargs["limit"].Kind)
}

func TestValueUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"non-string reference", `{"__reference__": 7}`},
		{"non-string type tag", `{"__type__": 7}`},
		{"call without method", `{"__type__": "call"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			assert.Error(t, json.Unmarshal([]byte(tt.json), &v))
		})
	}
}

func TestValueMarshal_RoundTrip(t *testing.T) {
	inputs := []string{
		`{"__reference__":"c"}`,
		`{"__type__":"bytes","__data__":"YWJj"}`,
	}
	for _, input := range inputs {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(input), &v))
		out, err := json.Marshal(v)
		require.NoError(t, err)
		assert.JSONEq(t, input, string(out))
	}
}

func TestResponsePredicates(t *testing.T) {
	t.Run("zero limit never forces location", func(t *testing.T) {
		op := &Operation{ResponseType: ResponseTypeJSON}
		assert.False(t, op.MustUseLocation(1<<30))
	})

	t.Run("nonzero limit forces location above it", func(t *testing.T) {
		op := &Operation{ResponseSizeLimitBytes: 100}
		assert.False(t, op.MustUseLocation(100))
		assert.True(t, op.MustUseLocation(101))
	})

	t.Run("URL mode always uses location", func(t *testing.T) {
		op := &Operation{ResponseType: ResponseTypeURL}
		assert.True(t, op.MustUseLocation(1))
	})

	t.Run("inline compression above threshold", func(t *testing.T) {
		op := &Operation{CompressResponseThresholdBytes: 50}
		assert.False(t, op.ShouldCompressInline(50))
		assert.True(t, op.ShouldCompressInline(51))
	})

	t.Run("URL mode ignores inline threshold", func(t *testing.T) {
		op := &Operation{ResponseType: ResponseTypeURL, CompressResponseThresholdBytes: 1}
		assert.False(t, op.ShouldCompressInline(1000))
	})
}
