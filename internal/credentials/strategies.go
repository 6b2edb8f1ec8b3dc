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

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tombee/outpost/pkg/errors"
)

// Strategy discriminator values.
const (
	PassthroughType       = "passthrough"
	EnvType               = "env"
	FileType              = "file"
	AWSSecretsManagerType = "aws_secrets_manager"
)

// Payload fields read by the built-in strategies.
const (
	envVarField     = "env_var"
	pathField       = "path"
	secretNameField = "secret_name"
	regionField     = "region"
)

// PassthroughStrategy accepts the payload as-is; the caller already
// supplied complete credentials.
type PassthroughStrategy struct{}

// Name implements Strategy.
func (PassthroughStrategy) Name() string { return PassthroughType }

// Fetch implements Strategy.
func (PassthroughStrategy) Fetch(context.Context, map[string]any) (map[string]any, error) {
	return nil, nil
}

// EnvStrategy reads credential material from an environment variable
// named by the payload, runs it through the configured decryption
// sub-chain, and parses the plaintext as JSON.
type EnvStrategy struct {
	decryptors map[string]Decryptor
	getenv     func(string) (string, bool)
}

// EnvOption configures an EnvStrategy.
type EnvOption func(*EnvStrategy)

// WithDecryptor adds or replaces a decryptor in the sub-chain.
func WithDecryptor(d Decryptor) EnvOption {
	return func(s *EnvStrategy) { s.decryptors[d.Name()] = d }
}

// WithGetenv overrides environment lookup, used by tests.
func WithGetenv(getenv func(string) (string, bool)) EnvOption {
	return func(s *EnvStrategy) { s.getenv = getenv }
}

// NewEnvStrategy creates the env strategy with the default decryption
// sub-chain: none and aws_kms.
func NewEnvStrategy(opts ...EnvOption) *EnvStrategy {
	s := &EnvStrategy{
		decryptors: map[string]Decryptor{},
		getenv:     os.LookupEnv,
	}
	for _, d := range []Decryptor{NoneDecryptor{}, NewKMSDecryptor()} {
		s.decryptors[d.Name()] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Strategy.
func (s *EnvStrategy) Name() string { return EnvType }

// Fetch implements Strategy.
func (s *EnvStrategy) Fetch(ctx context.Context, payload map[string]any) (map[string]any, error) {
	name, err := requiredString(payload, envVarField)
	if err != nil {
		return nil, err
	}

	raw, ok := s.getenv(name)
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + envVarField,
			Reason: fmt.Sprintf("environment variable %q is not set", name),
		}
	}

	decryptor, err := s.decryptor(payload)
	if err != nil {
		return nil, err
	}
	plaintext, err := decryptor.Decrypt(ctx, raw, payload)
	if err != nil {
		return nil, err
	}

	return parseExternal(plaintext, "environment variable "+name)
}

func (s *EnvStrategy) decryptor(payload map[string]any) (Decryptor, error) {
	name := NoneEncryption
	if raw, ok := payload[encryptionField]; ok && raw != nil {
		str, ok := raw.(string)
		if !ok {
			return nil, &errors.ConfigurationError{
				Key:    "credentials." + encryptionField,
				Reason: fmt.Sprintf("must be a string, got %T", raw),
			}
		}
		if str != "" {
			name = str
		}
	}

	d, ok := s.decryptors[name]
	if !ok {
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + encryptionField,
			Reason: fmt.Sprintf("unsupported encryption %q", name),
		}
	}
	return d, nil
}

// FileStrategy reads credential material from a JSON file on the gateway
// host, for deployments that mount secrets as files.
type FileStrategy struct {
	readFile func(string) ([]byte, error)
}

// NewFileStrategy creates the file strategy.
func NewFileStrategy() *FileStrategy {
	return &FileStrategy{readFile: os.ReadFile}
}

// Name implements Strategy.
func (s *FileStrategy) Name() string { return FileType }

// Fetch implements Strategy.
func (s *FileStrategy) Fetch(_ context.Context, payload map[string]any) (map[string]any, error) {
	path, err := requiredString(payload, pathField)
	if err != nil {
		return nil, err
	}

	raw, err := s.readFile(path)
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + pathField,
			Reason: "reading credential file",
			Cause:  err,
		}
	}
	return parseExternal(string(raw), "file "+path)
}

// requiredString extracts a mandatory non-empty string field from the
// payload.
func requiredString(payload map[string]any, field string) (string, error) {
	raw, ok := payload[field]
	if !ok || raw == nil {
		return "", &errors.ConfigurationError{
			Key:    "credentials." + field,
			Reason: "required field is missing",
		}
	}
	value, ok := raw.(string)
	if !ok {
		return "", &errors.ConfigurationError{
			Key:    "credentials." + field,
			Reason: fmt.Sprintf("must be a string, got %T", raw),
		}
	}
	if value == "" {
		return "", &errors.ConfigurationError{
			Key:    "credentials." + field,
			Reason: "must not be empty",
		}
	}
	return value, nil
}

// parseExternal decodes fetched material as a JSON object.
func parseExternal(plaintext, source string) (map[string]any, error) {
	var external map[string]any
	if err := json.Unmarshal([]byte(plaintext), &external); err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "credentials",
			Reason: "decoding credential material from " + source,
			Cause:  err,
		}
	}
	return external, nil
}
