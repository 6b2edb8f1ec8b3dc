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
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/outpost/internal/proxy"
)

// utils is the helper-utility binding seeded into every execution
// context. It exposes small pure helpers commands can call without a
// backend round trip.
type utils struct {
	attrs proxy.AttrTable
}

func newUtils() *utils {
	u := &utils{}
	u.attrs = proxy.AttrTable{
		"uuid": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return uuid.NewString(), nil
		}},
		"now": {Invoke: func(context.Context, []any, map[string]any) (any, error) {
			return time.Now().UTC(), nil
		}},
		"b64encode": {Invoke: func(_ context.Context, args []any, _ map[string]any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("b64encode expects 1 argument, got %d", len(args))
			}
			switch v := args[0].(type) {
			case []byte:
				return base64.StdEncoding.EncodeToString(v), nil
			case string:
				return base64.StdEncoding.EncodeToString([]byte(v)), nil
			default:
				return nil, fmt.Errorf("b64encode expects bytes or string, got %T", args[0])
			}
		}},
		"b64decode": {Invoke: func(_ context.Context, args []any, _ map[string]any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("b64decode expects 1 argument, got %d", len(args))
			}
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("b64decode expects a string, got %T", args[0])
			}
			return base64.StdEncoding.DecodeString(s)
		}},
	}
	return u
}

// Attrs implements proxy.Dispatchable.
func (u *utils) Attrs() proxy.AttrTable { return u.attrs }
