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
	"sort"
	"sync"

	"github.com/tombee/outpost/pkg/errors"
)

// Factory constructs a connector client from resolved credentials.
type Factory func(ctx context.Context, credentials map[string]any) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register installs a connector factory for a connection type. Built-in
// connectors call this during init(); registering the same type twice
// replaces the earlier factory.
func Register(connectionType string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[connectionType] = factory
}

// New constructs a client for the given connection type. An unregistered
// type is a configuration error naming it.
func New(ctx context.Context, connectionType string, credentials map[string]any) (Client, error) {
	factoriesMu.RLock()
	factory, ok := factories[connectionType]
	factoriesMu.RUnlock()

	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "connection_type",
			Reason: "unsupported connection type " + connectionType,
		}
	}
	return factory(ctx, credentials)
}

// Registered returns the known connection types, sorted, for
// introspection responses.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
