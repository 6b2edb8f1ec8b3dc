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

package sandbox

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/tombee/outpost/internal/proxy"
)

// clientValue exposes a proxy client's dispatch table to scripts. Method
// lookup follows the same ordered two-level strategy as command dispatch;
// nothing outside the table is reachable from script code.
type clientValue struct {
	ctx    context.Context
	target any
	name   string
}

var _ starlark.HasAttrs = (*clientValue)(nil)

func newClientValue(ctx context.Context, target any, name string) *clientValue {
	return &clientValue{ctx: ctx, target: target, name: name}
}

// String implements starlark.Value.
func (c *clientValue) String() string { return "<backend " + c.name + ">" }

// Type implements starlark.Value.
func (c *clientValue) Type() string { return "backend" }

// Freeze implements starlark.Value. The wrapper is already immutable from
// the script's point of view.
func (c *clientValue) Freeze() {}

// Truth implements starlark.Value.
func (c *clientValue) Truth() starlark.Bool { return starlark.True }

// Hash implements starlark.Value.
func (c *clientValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: backend")
}

// Attr resolves a method or property by name. Callables become Starlark
// builtins; call results that are themselves dispatchable come back as
// further backend wrappers so chained access keeps working.
func (c *clientValue) Attr(name string) (starlark.Value, error) {
	attr, ok := proxy.Lookup(c.target, name)
	if !ok {
		return nil, nil
	}

	if attr.Invoke != nil {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			goArgs := make([]any, len(args))
			for i, a := range args {
				conv, err := fromStarlark(a)
				if err != nil {
					return nil, fmt.Errorf("%s: argument %d: %w", b.Name(), i, err)
				}
				goArgs[i] = conv
			}
			goKwargs := make(map[string]any, len(kwargs))
			for _, kv := range kwargs {
				key := string(kv[0].(starlark.String))
				conv, err := fromStarlark(kv[1])
				if err != nil {
					return nil, fmt.Errorf("%s: keyword %s: %w", b.Name(), key, err)
				}
				goKwargs[key] = conv
			}

			result, err := attr.Invoke(c.ctx, goArgs, goKwargs)
			if err != nil {
				return nil, err
			}
			return c.wrapResult(result)
		}), nil
	}

	value, err := attr.Get()
	if err != nil {
		return nil, err
	}
	return c.wrapResult(value)
}

// AttrNames lists the reachable attribute names, sorted for stable
// dir() output.
func (c *clientValue) AttrNames() []string {
	seen := map[string]bool{}
	var names []string

	if d, ok := c.target.(proxy.Dispatchable); ok {
		for name := range d.Attrs() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if wp, ok := c.target.(proxy.WrappedProvider); ok {
		for name := range wp.WrappedAttrs() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// wrapResult converts a dispatch result for script consumption.
// Dispatchable results stay wrapped; plain data converts to native
// Starlark values.
func (c *clientValue) wrapResult(result any) (starlark.Value, error) {
	if _, ok := result.(proxy.Dispatchable); ok {
		return newClientValue(c.ctx, result, c.name), nil
	}
	return toStarlark(result)
}
