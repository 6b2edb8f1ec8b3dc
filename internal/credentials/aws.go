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
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/tombee/outpost/pkg/errors"
)

// secretsManagerAPI is the slice of the Secrets Manager client the
// strategy uses.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerStrategy fetches credential material stored as a JSON
// secret in AWS Secrets Manager, named by the payload's secret_name.
type AWSSecretsManagerStrategy struct {
	mu     sync.Mutex
	client secretsManagerAPI
}

// NewAWSSecretsManagerStrategy creates the strategy; the client is built
// lazily on first use.
func NewAWSSecretsManagerStrategy() *AWSSecretsManagerStrategy {
	return &AWSSecretsManagerStrategy{}
}

// NewAWSSecretsManagerStrategyWithClient creates the strategy over an
// existing client, used by tests.
func NewAWSSecretsManagerStrategyWithClient(client secretsManagerAPI) *AWSSecretsManagerStrategy {
	return &AWSSecretsManagerStrategy{client: client}
}

// Name implements Strategy.
func (*AWSSecretsManagerStrategy) Name() string { return AWSSecretsManagerType }

// Fetch implements Strategy.
func (s *AWSSecretsManagerStrategy) Fetch(ctx context.Context, payload map[string]any) (map[string]any, error) {
	name, err := requiredString(payload, secretNameField)
	if err != nil {
		return nil, err
	}

	client, err := s.clientFor(ctx, payload)
	if err != nil {
		return nil, err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + secretNameField,
			Reason: "fetching secret " + name,
			Cause:  err,
		}
	}

	material := ""
	switch {
	case out.SecretString != nil:
		material = *out.SecretString
	case out.SecretBinary != nil:
		material = string(out.SecretBinary)
	default:
		return nil, &errors.ConfigurationError{
			Key:    "credentials." + secretNameField,
			Reason: "secret " + name + " has no value",
		}
	}

	return parseExternal(material, "secret "+name)
}

func (s *AWSSecretsManagerStrategy) clientFor(ctx context.Context, payload map[string]any) (secretsManagerAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{}
	if region, ok := payload[regionField].(string); ok && region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}
	s.client = secretsmanager.NewFromConfig(cfg)
	return s.client, nil
}
