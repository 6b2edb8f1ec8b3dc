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

// Package httpproxy is the built-in connector for HTTP APIs reachable
// from the gateway. Operations dispatch verbs against a configured base
// URL; every call returns a plain response map so results serialize
// straight into the envelope.
package httpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
	"github.com/tombee/outpost/pkg/httpclient"
)

// ConnectionType is this connector's registry discriminator.
const ConnectionType = "http"

// maxResponseBytes bounds how much of a response body is read. Oversized
// upstream replies should flow through URL-mode delivery, not gateway
// memory.
const maxResponseBytes = 64 << 20

func init() {
	proxy.Register(ConnectionType, NewFromCredentials)
}

// Client is an HTTP connector instance bound to one base URL.
type Client struct {
	proxy.Base
	httpClient *http.Client
	baseURL    *url.URL
	headers    map[string]string
}

var _ proxy.Client = (*Client)(nil)

// NewFromCredentials builds a client from resolved credentials. Expected
// connect_args: base_url (required), headers, timeout_seconds,
// retry_attempts, retryable_statuses ([{from,to}]).
func NewFromCredentials(_ context.Context, credentials map[string]any) (proxy.Client, error) {
	connectArgs, _ := credentials["connect_args"].(map[string]any)

	rawBase, _ := connectArgs["base_url"].(string)
	if rawBase == "" {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.base_url",
			Reason: "required for http connections",
		}
	}
	baseURL, err := url.Parse(rawBase)
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.base_url",
			Reason: "invalid url",
			Cause:  err,
		}
	}

	cfg := httpclient.DefaultConfig()
	if seconds, ok := numberArg(connectArgs["timeout_seconds"]); ok && seconds > 0 {
		cfg.Timeout = time.Duration(seconds * float64(time.Second))
	}
	if attempts, ok := numberArg(connectArgs["retry_attempts"]); ok && attempts >= 0 {
		cfg.RetryAttempts = int(attempts)
	}
	if ranges, err := statusRanges(connectArgs["retryable_statuses"]); err != nil {
		return nil, err
	} else if ranges != nil {
		cfg.RetryableStatuses = ranges
	}

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args",
			Reason: "building http client",
			Cause:  err,
		}
	}

	headers := map[string]string{}
	if raw, ok := connectArgs["headers"].(map[string]any); ok {
		for name, value := range raw {
			headers[name] = fmt.Sprint(value)
		}
	}

	return &Client{httpClient: httpClient, baseURL: baseURL, headers: headers}, nil
}

// Attrs implements proxy.Dispatchable.
func (c *Client) Attrs() proxy.AttrTable {
	verb := func(method string) proxy.Attr {
		return proxy.Attr{Invoke: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			path, err := pathArg(strings.ToLower(method), args)
			if err != nil {
				return nil, err
			}
			return c.request(ctx, method, path, kwargs)
		}}
	}

	return proxy.AttrTable{
		"get":    verb(http.MethodGet),
		"post":   verb(http.MethodPost),
		"put":    verb(http.MethodPut),
		"patch":  verb(http.MethodPatch),
		"delete": verb(http.MethodDelete),
		"request": {Invoke: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			if len(args) < 2 {
				return nil, &errors.RequestError{Field: "args", Message: "request needs method and path"}
			}
			method, ok := args[0].(string)
			if !ok {
				return nil, &errors.RequestError{Field: "args", Message: "request method must be a string"}
			}
			path, err := pathArg("request", args[1:])
			if err != nil {
				return nil, err
			}
			return c.request(ctx, strings.ToUpper(method), path, kwargs)
		}},
		"base_url": {Get: func() (any, error) { return c.baseURL.String(), nil }},
	}
}

// Close implements proxy.Client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// request performs one call and shapes the response. Kwargs: params
// (query), headers, json (marshaled body), body (raw string).
func (c *Client) request(ctx context.Context, method, path string, kwargs map[string]any) (any, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	if params, ok := kwargs["params"].(map[string]any); ok {
		q := target.Query()
		for name, value := range params {
			q.Set(name, fmt.Sprint(value))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if jsonBody, ok := kwargs["json"]; ok {
		payload, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, &errors.RequestError{Field: "json", Message: "body is not serializable"}
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	} else if raw, ok := kwargs["body"].(string); ok {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, &errors.RequestError{Field: "method", Message: err.Error()}
	}

	for name, value := range c.headers {
		req.Header.Set(name, value)
	}
	if headers, ok := kwargs["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprint(value))
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errors.ExecutionError{
			Kind:    "ConnectionError",
			Message: fmt.Sprintf("%s %s: %v", method, target.Path, err),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	return shapeResponse(resp)
}

// resolve joins a path or absolute URL against the base URL, refusing to
// leave the configured host.
func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, &errors.RequestError{Field: "path", Message: "invalid path"}
	}
	target := c.baseURL.ResolveReference(ref)
	if target.Host != c.baseURL.Host {
		return nil, &errors.RequestError{
			Field:   "path",
			Message: fmt.Sprintf("host %q is outside the configured base url", target.Host),
		}
	}
	return target, nil
}

// shapeResponse converts a response into the wire-friendly map callers
// see: status_code, headers, text, and json when the body parses.
func shapeResponse(resp *http.Response) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &errors.ExecutionError{
			Kind:    "ConnectionError",
			Message: "reading response body",
			Cause:   err,
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	shaped := map[string]any{
		"status_code": int64(resp.StatusCode),
		"headers":     headers,
		"text":        string(raw),
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			shaped["json"] = parsed
		}
	}
	return shaped, nil
}

// ErrorType implements proxy.Client.
func (c *Client) ErrorType(err error) string {
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) && execErr.Kind != "" {
		return execErr.Kind
	}
	return ""
}

func pathArg(method string, args []any) (string, error) {
	if len(args) == 0 {
		return "", &errors.RequestError{Field: "args", Message: method + " needs a path"}
	}
	path, ok := args[0].(string)
	if !ok {
		return "", &errors.RequestError{Field: "args", Message: method + " path must be a string"}
	}
	return path, nil
}

func numberArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// statusRanges parses a retryable_statuses connect arg of the form
// [{"from": 500, "to": 599}].
func statusRanges(v any) ([]httpclient.StatusRange, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "connect_args.retryable_statuses",
			Reason: "must be a list of {from, to} objects",
		}
	}

	ranges := make([]httpclient.StatusRange, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &errors.ConfigurationError{
				Key:    "connect_args.retryable_statuses",
				Reason: "must be a list of {from, to} objects",
			}
		}
		from, fromOK := numberArg(m["from"])
		to, toOK := numberArg(m["to"])
		if !fromOK || !toOK {
			return nil, &errors.ConfigurationError{
				Key:    "connect_args.retryable_statuses",
				Reason: "from and to must be numbers",
			}
		}
		ranges = append(ranges, httpclient.StatusRange{From: int(from), To: int(to)})
	}
	return ranges, nil
}
