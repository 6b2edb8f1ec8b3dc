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

// Package objectstore persists oversized operation responses and hands
// out time-limited URLs for callers to fetch them.
package objectstore

import (
	"context"
	"time"
)

// DefaultURLExpiry is how long a handed-out response URL stays valid.
const DefaultURLExpiry = 15 * time.Minute

// Store writes response payloads and produces presigned URLs for them.
type Store interface {
	// Put writes the payload under the key, replacing any previous
	// object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// PresignedURL returns a URL from which the object at key can be
	// fetched without further credentials, valid for the expiry window.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Close releases resources.
	Close() error
}

// ResponseKey is the object key for a given operation's stored response.
func ResponseKey(traceID string) string {
	return "responses/" + traceID
}
