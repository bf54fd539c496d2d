// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth implements the authenticated-session mode: hybrid-encrypted
// credential envelopes, bearer token issuance and validation, and per-token
// connection pools with TTL reaping.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// KeyPair is the single server keypair, read once at startup and held
// immutably for the process lifetime.
type KeyPair struct {
	ID        string
	Private   *rsa.PrivateKey
	PublicPEM string
}

// LoadKeyPair reads the private and public key PEM files. The private key
// may be PKCS#1 or PKCS#8; the public PEM is served verbatim on the
// public-key endpoint.
func LoadKeyPair(id, privatePath, publicPath string) (*KeyPair, error) {
	privBytes, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	block, _ := pem.Decode(privBytes)
	if block == nil {
		return nil, fmt.Errorf("private key %s is not PEM encoded", privatePath)
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key %s is not an RSA key", privatePath)
		}
		priv = rsaKey
	}

	pubBytes, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read public key: %w", err)
	}
	if block, _ := pem.Decode(pubBytes); block == nil {
		return nil, fmt.Errorf("public key %s is not PEM encoded", publicPath)
	}

	return &KeyPair{ID: id, Private: priv, PublicPEM: string(pubBytes)}, nil
}
