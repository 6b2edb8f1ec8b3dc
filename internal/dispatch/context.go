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
	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
)

// Context is the per-operation variable-binding environment. It is seeded
// with the proxy client under the well-known "client" name and a helper
// table under "utils", mutated only by `store`, and discarded when the
// operation ends. Never shared across operations.
type Context struct {
	bindings map[string]any
}

// UtilsBinding is the name of the helper-utility binding.
const UtilsBinding = "utils"

// NewContext creates an execution context seeded with the standard
// bindings.
func NewContext(client proxy.Client) *Context {
	return &Context{
		bindings: map[string]any{
			operation.DefaultTarget: client,
			UtilsBinding:            newUtils(),
		},
	}
}

// Resolve looks up a binding by name.
func (c *Context) Resolve(name string) (any, bool) {
	v, ok := c.bindings[name]
	return v, ok
}

// Store binds a value under a name, overwriting any prior binding.
func (c *Context) Store(name string, value any) {
	c.bindings[name] = value
}
