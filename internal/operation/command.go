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

package operation

import (
	"encoding/json"
	"errors"
)

// Wire marker keys for the value union.
const (
	referenceKey = "__reference__"
	typeKey      = "__type__"
	dataKey      = "__data__"

	// typeCall tags a nested command embedded as an argument.
	typeCall = "call"
)

// DefaultTarget is the well-known context binding for the backend proxy
// client; commands with no target dispatch against it.
const DefaultTarget = "client"

// Command is one step of a method-invocation chain. Steps link via Next
// into a singly linked sequence; a step's result becomes the next step's
// implicit target unless the next step names its own.
type Command struct {
	Method string           `json:"method"`
	Target string           `json:"target,omitempty"`
	Args   []Value          `json:"args,omitempty"`
	Kwargs map[string]Value `json:"kwargs,omitempty"`
	Store  string           `json:"store,omitempty"`
	Next   *Command         `json:"next,omitempty"`
}

// validate checks the command and its chain recursively.
func (c *Command) validate() error {
	if c == nil {
		return errors.New("command must not be null")
	}
	if c.Method == "" {
		return errors.New("method is required")
	}
	if c.Next != nil {
		return c.Next.validate()
	}
	return nil
}

// ValueKind discriminates the value union.
type ValueKind int

const (
	// KindScalar is a JSON-native literal passed through untouched.
	KindScalar ValueKind = iota
	// KindReference resolves a name from the execution context.
	KindReference
	// KindCall executes a nested command and substitutes its result.
	KindCall
	// KindTypedLiteral decodes through the serialization codec.
	KindTypedLiteral
)

// Value is the tagged union of argument encodings. It is produced once by
// UnmarshalJSON at the transport boundary; nothing downstream re-probes
// raw maps.
type Value struct {
	Kind ValueKind

	// Scalar holds the literal for KindScalar.
	Scalar any

	// Reference holds the context name for KindReference.
	Reference string

	// Call holds the embedded command for KindCall.
	Call *Command

	// LiteralType and LiteralData hold the codec payload for
	// KindTypedLiteral.
	LiteralType string
	LiteralData any
}

// UnmarshalJSON parses the marker-tagged wire encoding:
//
//	{"__reference__": "name"}               -> KindReference
//	{"__type__": "call", ...command...}     -> KindCall
//	{"__type__": "bytes", "__data__": ...}  -> KindTypedLiteral
//	anything else                           -> KindScalar
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m, ok := raw.(map[string]any)
	if !ok {
		v.Kind = KindScalar
		v.Scalar = raw
		return nil
	}

	if ref, ok := m[referenceKey]; ok {
		name, ok := ref.(string)
		if !ok {
			return errors.New("__reference__ must be a string")
		}
		v.Kind = KindReference
		v.Reference = name
		return nil
	}

	if tag, ok := m[typeKey]; ok {
		typeName, ok := tag.(string)
		if !ok {
			return errors.New("__type__ must be a string")
		}
		if typeName == typeCall {
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				return err
			}
			if cmd.Method == "" {
				return errors.New("nested call requires a method")
			}
			v.Kind = KindCall
			v.Call = &cmd
			return nil
		}
		v.Kind = KindTypedLiteral
		v.LiteralType = typeName
		v.LiteralData = m[dataKey]
		return nil
	}

	v.Kind = KindScalar
	v.Scalar = m
	return nil
}

// MarshalJSON re-emits the wire encoding, used when logging redacted
// command payloads.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindReference:
		return json.Marshal(map[string]any{referenceKey: v.Reference})
	case KindCall:
		raw, err := json.Marshal(v.Call)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		m[typeKey] = typeCall
		return json.Marshal(m)
	case KindTypedLiteral:
		return json.Marshal(map[string]any{typeKey: v.LiteralType, dataKey: v.LiteralData})
	default:
		return json.Marshal(v.Scalar)
	}
}

// Scalar builds a scalar value, used by tests and helper bindings.
func ScalarValue(v any) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

// ReferenceValue builds a reference value.
func ReferenceValue(name string) Value {
	return Value{Kind: KindReference, Reference: name}
}
