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
	"encoding/base64"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/tombee/outpost/pkg/errors"
)

// encryptionField selects the decryptor inside the env strategy.
const encryptionField = "encryption"

// Decryptor names.
const (
	NoneEncryption   = "none"
	AWSKMSEncryption = "aws_kms"
)

// Decryptor turns fetched ciphertext into plaintext credential material.
type Decryptor interface {
	// Name is the encryption discriminator value this decryptor serves.
	Name() string

	// Decrypt produces plaintext from the fetched material. The payload
	// is available for decryptor-specific fields such as region.
	Decrypt(ctx context.Context, material string, payload map[string]any) (string, error)
}

// NoneDecryptor passes material through unchanged.
type NoneDecryptor struct{}

// Name implements Decryptor.
func (NoneDecryptor) Name() string { return NoneEncryption }

// Decrypt implements Decryptor.
func (NoneDecryptor) Decrypt(_ context.Context, material string, _ map[string]any) (string, error) {
	return material, nil
}

// kmsAPI is the slice of the KMS client the decryptor uses.
type kmsAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSDecryptor decrypts base64-encoded AWS KMS ciphertext. The key is
// identified by the ciphertext itself; no key id travels in the payload.
type KMSDecryptor struct {
	mu     sync.Mutex
	client kmsAPI
}

// NewKMSDecryptor creates a KMS decryptor; the client is built lazily on
// first use so gateways that never see KMS material pay nothing.
func NewKMSDecryptor() *KMSDecryptor {
	return &KMSDecryptor{}
}

// NewKMSDecryptorWithClient creates a KMS decryptor over an existing
// client, used by tests.
func NewKMSDecryptorWithClient(client kmsAPI) *KMSDecryptor {
	return &KMSDecryptor{client: client}
}

// Name implements Decryptor.
func (*KMSDecryptor) Name() string { return AWSKMSEncryption }

// Decrypt implements Decryptor.
func (d *KMSDecryptor) Decrypt(ctx context.Context, material string, payload map[string]any) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return "", &errors.ConfigurationError{
			Key:    "credentials",
			Reason: "kms ciphertext is not valid base64",
			Cause:  err,
		}
	}

	client, err := d.clientFor(ctx, payload)
	if err != nil {
		return "", err
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return "", &errors.ConfigurationError{
			Key:    "credentials",
			Reason: "kms decrypt failed",
			Cause:  err,
		}
	}
	return string(out.Plaintext), nil
}

func (d *KMSDecryptor) clientFor(ctx context.Context, payload map[string]any) (kmsAPI, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{}
	if region, ok := payload[regionField].(string); ok && region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}
	d.client = kms.NewFromConfig(cfg)
	return d.client, nil
}
