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
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// fixedModules is the full set of loadable standard modules. The engine
// narrows it to the configured allow-list; nothing outside this table is
// ever reachable through load().
var fixedModules = map[string]*starlarkstruct.Module{
	"json":    starlarkjson.Module,
	"time":    starlarktime.Module,
	"math":    starlarkmath.Module,
	"hashlib": hashlibModule(),
	"base64":  base64Module(),
}

// DefaultAllowedModules is the default module allow-list.
func DefaultAllowedModules() []string {
	return []string{"json", "time", "math", "hashlib", "base64"}
}

// hashlibModule exposes hex digests over strings or bytes.
func hashlibModule() *starlarkstruct.Module {
	digest := func(name string, sum func([]byte) string) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
				return nil, err
			}
			raw, err := byteArg(b.Name(), data)
			if err != nil {
				return nil, err
			}
			return starlark.String(sum(raw)), nil
		})
	}

	return &starlarkstruct.Module{
		Name: "hashlib",
		Members: starlark.StringDict{
			"sha256": digest("sha256", func(b []byte) string {
				h := sha256.Sum256(b)
				return hex.EncodeToString(h[:])
			}),
			"sha1": digest("sha1", func(b []byte) string {
				h := sha1.Sum(b)
				return hex.EncodeToString(h[:])
			}),
			"md5": digest("md5", func(b []byte) string {
				h := md5.Sum(b)
				return hex.EncodeToString(h[:])
			}),
		},
	}
}

// base64Module exposes standard-alphabet base64.
func base64Module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "base64",
		Members: starlark.StringDict{
			"encode": starlark.NewBuiltin("encode", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var data starlark.Value
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
					return nil, err
				}
				raw, err := byteArg(b.Name(), data)
				if err != nil {
					return nil, err
				}
				return starlark.String(base64.StdEncoding.EncodeToString(raw)), nil
			}),
			"decode": starlark.NewBuiltin("decode", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var s string
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
					return nil, err
				}
				raw, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, err
				}
				return starlark.Bytes(raw), nil
			}),
		},
	}
}

// byteArg accepts a string or bytes argument.
func byteArg(fn string, v starlark.Value) ([]byte, error) {
	switch val := v.(type) {
	case starlark.String:
		return []byte(val), nil
	case starlark.Bytes:
		return []byte(val), nil
	default:
		return nil, fmt.Errorf("%s: expected string or bytes, got %s", fn, v.Type())
	}
}
