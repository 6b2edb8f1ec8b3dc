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

package httpproxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

func newTestClient(t *testing.T, baseURL string, extraArgs map[string]any) *Client {
	t.Helper()
	connectArgs := map[string]any{"base_url": baseURL}
	for k, v := range extraArgs {
		connectArgs[k] = v
	}
	client, err := NewFromCredentials(context.Background(), map[string]any{
		"connect_args": connectArgs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client.(*Client)
}

func invoke(t *testing.T, client *Client, method string, args []any, kwargs map[string]any) any {
	t.Helper()
	attr, ok := proxy.Lookup(client, method)
	require.True(t, ok, "method %s", method)
	result, err := attr.Invoke(context.Background(), args, kwargs)
	require.NoError(t, err)
	return result
}

func TestNewFromCredentials_RequiresBaseURL(t *testing.T) {
	_, err := NewFromCredentials(context.Background(), map[string]any{})
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "connect_args.base_url", cfgErr.Key)
}

func TestGet_ShapesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items": [1, 2]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	result := invoke(t, client, "get", []any{"/v1/items"}, map[string]any{
		"params": map[string]any{"page": 2},
	})

	shaped := result.(map[string]any)
	assert.Equal(t, int64(200), shaped["status_code"])
	assert.Equal(t, map[string]any{"items": []any{float64(1), float64(2)}}, shaped["json"])
	assert.Equal(t, `{"items": [1, 2]}`, shaped["text"])
}

func TestPost_SendsJSONBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var parsed map[string]any
		require.NoError(t, json.Unmarshal(body, &parsed))
		assert.Equal(t, map[string]any{"name": "widget"}, parsed)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token-123", r.Header.Get("X-Api-Token"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, map[string]any{
		"headers": map[string]any{"X-Api-Token": "token-123"},
	})
	result := invoke(t, client, "post", []any{"/v1/items"}, map[string]any{
		"json": map[string]any{"name": "widget"},
	})

	assert.Equal(t, int64(201), result.(map[string]any)["status_code"])
}

func TestRequest_ArbitraryVerb(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	result := invoke(t, client, "request", []any{"delete", "/v1/items/7"}, nil)
	assert.Equal(t, int64(204), result.(map[string]any)["status_code"])
}

func TestRequest_ErrorStatusStillShapes(t *testing.T) {
	// Error statuses are data, not Go errors; the controller inspects
	// status_code itself.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	result := invoke(t, client, "get", []any{"/secret"}, nil)
	assert.Equal(t, int64(403), result.(map[string]any)["status_code"])
}

func TestResolve_RefusesForeignHost(t *testing.T) {
	client := newTestClient(t, "https://api.example.com", nil)

	attr, ok := proxy.Lookup(client, "get")
	require.True(t, ok)
	_, err := attr.Invoke(context.Background(), []any{"https://evil.example.net/steal"}, nil)
	require.Error(t, err)

	var reqErr *errors.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, "evil.example.net")
}

func TestBaseURLProperty(t *testing.T) {
	client := newTestClient(t, "https://api.example.com", nil)

	attr, ok := proxy.Lookup(client, "base_url")
	require.True(t, ok)
	value, err := attr.Get()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", value)
}

func TestErrorType_SurfacesConnectionErrors(t *testing.T) {
	client := newTestClient(t, "https://api.example.com", nil)

	err := &errors.ExecutionError{Kind: "ConnectionError", Message: "refused"}
	assert.Equal(t, "ConnectionError", client.ErrorType(err))
	assert.Equal(t, "", client.ErrorType(assert.AnError))
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, proxy.Registered(), ConnectionType)
}
