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

// Package credentials resolves the credential material an operation needs
// before a backend client is built.
//
// The inbound payload names its own strategy through credentials["type"].
// A strategy fetches secret material from an external source, optionally
// decrypts it, parses it as JSON, and the result deep-merges into the
// payload's connect_args with the external values winning. Everything
// outside connect_args passes through untouched. Resolution is
// all-or-nothing: any unreadable source or decode failure rejects the
// whole payload, never partially-resolved credentials.
package credentials

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/tombee/outpost/pkg/errors"
)

// TypeKey is the discriminator field naming the resolution strategy.
const TypeKey = "type"

// ConnectArgsKey is the only payload field external material merges into.
const ConnectArgsKey = "connect_args"

// Strategy fetches external credential material for one payload shape.
// It returns the parsed external map, or nil when the payload carries
// everything already.
type Strategy interface {
	// Name is the discriminator value this strategy serves.
	Name() string

	// Fetch retrieves and parses the external material described by the
	// payload.
	Fetch(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Resolver dispatches payloads to strategies by their discriminator.
type Resolver struct {
	strategies map[string]Strategy
}

// NewResolver creates a resolver over the given strategies. Later
// strategies with the same name replace earlier ones.
func NewResolver(strategies ...Strategy) *Resolver {
	r := &Resolver{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// NewDefaultResolver creates a resolver with the full strategy set:
// passthrough, env, file, and aws_secrets_manager.
func NewDefaultResolver() *Resolver {
	return NewResolver(
		PassthroughStrategy{},
		NewEnvStrategy(),
		NewFileStrategy(),
		NewAWSSecretsManagerStrategy(),
	)
}

// Resolve returns a copy of the payload with external credential material
// merged into its connect_args. A missing or empty discriminator means
// passthrough. An unknown discriminator is a ConfigurationError.
func (r *Resolver) Resolve(ctx context.Context, payload map[string]any) (map[string]any, error) {
	name, err := strategyName(payload)
	if err != nil {
		return nil, err
	}

	strategy, ok := r.strategies[name]
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + TypeKey,
			Reason: fmt.Sprintf("unsupported credential type %q", name),
		}
	}

	external, err := strategy.Fetch(ctx, payload)
	if err != nil {
		return nil, err
	}
	if external == nil {
		return payload, nil
	}
	return mergeConnectArgs(payload, external)
}

func strategyName(payload map[string]any) (string, error) {
	raw, ok := payload[TypeKey]
	if !ok || raw == nil {
		return PassthroughType, nil
	}
	name, ok := raw.(string)
	if !ok {
		return "", &errors.ConfigurationError{
			Key:    "credentials." + TypeKey,
			Reason: fmt.Sprintf("must be a string, got %T", raw),
		}
	}
	if name == "" {
		return PassthroughType, nil
	}
	return name, nil
}

// mergeConnectArgs deep-merges external material into the payload's
// connect_args, external values winning on conflict. The input maps are
// not mutated.
func mergeConnectArgs(payload, external map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(payload))
	for k, v := range payload {
		merged[k] = v
	}

	connectArgs := map[string]any{}
	if existing, ok := payload[ConnectArgsKey]; ok {
		existingMap, ok := existing.(map[string]any)
		if !ok {
			return nil, &errors.ConfigurationError{
				Key:    "credentials." + ConnectArgsKey,
				Reason: fmt.Sprintf("must be an object, got %T", existing),
			}
		}
		connectArgs = deepCopyMap(existingMap)
	}

	if err := mergo.Merge(&connectArgs, external, mergo.WithOverride); err != nil {
		return nil, errors.Wrap(err, "merging resolved credentials")
	}

	merged[ConnectArgsKey] = connectArgs
	return merged, nil
}

// deepCopyMap copies a map and its nested maps so the merge never writes
// through to the caller's payload.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
