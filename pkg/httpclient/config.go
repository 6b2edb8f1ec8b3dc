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

package httpclient

import (
	"fmt"
	"time"
)

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	From int `yaml:"from" json:"from"`
	To   int `yaml:"to" json:"to"`
}

// Contains reports whether the code falls inside the range.
func (r StatusRange) Contains(code int) bool {
	return code >= r.From && code <= r.To
}

// Config configures the HTTP client with timeout, retry, and logging
// settings.
type Config struct {
	// Timeout is the total request timeout, retries included.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retries after the initial
	// attempt. Zero disables retry.
	RetryAttempts int

	// RetryBackoff is the initial backoff before the first retry.
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// RetryableStatuses is the allow-list of status ranges that trigger
	// a retry. Empty means DefaultRetryableStatuses.
	RetryableStatuses []StatusRange

	// UserAgent is the User-Agent header value. Required.
	UserAgent string

	// AllowNonIdempotentRetry enables retry for POST/PUT/PATCH/DELETE.
	// Off by default; only GET, HEAD, and OPTIONS retry.
	AllowNonIdempotentRetry bool
}

// DefaultRetryableStatuses retries server errors, request timeouts, and
// throttling responses.
func DefaultRetryableStatuses() []StatusRange {
	return []StatusRange{
		{From: 500, To: 599},
		{From: 408, To: 408},
		{From: 429, To: 429},
	}
}

// DefaultConfig returns a Config with the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		RetryAttempts:     3,
		RetryBackoff:      100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		RetryableStatuses: DefaultRetryableStatuses(),
		UserAgent:         "outpost-gateway/1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	for _, r := range c.RetryableStatuses {
		if r.From < 100 || r.To > 599 || r.From > r.To {
			return fmt.Errorf("invalid retryable status range %d-%d", r.From, r.To)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}

// retryableStatuses returns the effective allow-list.
func (c *Config) retryableStatuses() []StatusRange {
	if len(c.RetryableStatuses) == 0 {
		return DefaultRetryableStatuses()
	}
	return c.RetryableStatuses
}
