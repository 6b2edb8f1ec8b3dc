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

// Package codec preserves value types a plain JSON transport cannot
// express natively. Byte buffers, timestamps, dates, and decimals travel
// as tagged maps: {"__type__": "<name>", "__data__": <encoded>}.
package codec

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Wire marker keys for typed literals.
const (
	TypeKey = "__type__"
	DataKey = "__data__"
)

// Typed literal type names.
const (
	TypeBytes    = "bytes"
	TypeDatetime = "datetime"
	TypeDate     = "date"
	TypeDecimal  = "decimal"
)

// datetimeLayout keeps microsecond precision with a fixed number of
// fractional digits so round-trips compare equal.
const datetimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// dateLayout is a calendar date with no time component.
const dateLayout = "2006-01-02"

// Decode converts a typed literal's payload into its native Go value.
// Unknown type names are a descriptive error; they indicate a controller
// speaking a newer protocol than this gateway.
func Decode(typeName string, data any) (any, error) {
	switch typeName {
	case TypeBytes:
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("bytes literal: expected base64 string, got %T", data)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bytes literal: %w", err)
		}
		return raw, nil

	case TypeDatetime:
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("datetime literal: expected string, got %T", data)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("datetime literal: %w", err)
		}
		return t, nil

	case TypeDate:
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("date literal: expected string, got %T", data)
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("date literal: %w", err)
		}
		return t, nil

	case TypeDecimal:
		// Decimals stay as their exact string form; converting to float64
		// would silently lose precision on the way to the backend.
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("decimal literal: expected string, got %T", data)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown typed literal %q", typeName)
	}
}

// Encode recursively rewrites a result so json.Marshal can carry it
// without losing type information. Byte slices and timestamps become
// tagged maps; maps and slices are walked; everything else passes through.
func Encode(v any) any {
	switch val := v.(type) {
	case []byte:
		return map[string]any{
			TypeKey: TypeBytes,
			DataKey: base64.StdEncoding.EncodeToString(val),
		}
	case time.Time:
		return map[string]any{
			TypeKey: TypeDatetime,
			DataKey: val.Format(datetimeLayout),
		}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Encode(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Encode(item)
		}
		return out
	default:
		return v
	}
}
