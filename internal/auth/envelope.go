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
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

const (
	sessionKeyLen = 32
	ivLen         = 12
	authTagLen    = 16
)

// Envelope is the hybrid-encrypted credential blob a client posts: the
// session key travels under RSA-OAEP, the payload under AES-256-GCM.
type Envelope struct {
	KeyID               string `json:"keyId"`
	EncryptedSessionKey string `json:"encryptedSessionKey"`
	IV                  string `json:"iv"`
	AuthTag             string `json:"authTag"`
	Ciphertext          string `json:"ciphertext"`
}

// Payload is the decrypted envelope content.
type Payload struct {
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
	Request SessionRequest `json:"request"`
}

// SessionRequest carries the connection target and session shape. Duration
// is in seconds; zero means the server default.
type SessionRequest struct {
	Host      string `json:"host"`
	Duration  int    `json:"duration,omitempty"`
	PoolStart int    `json:"poolstart,omitempty"`
	PoolMax   int    `json:"poolmax,omitempty"`
}

// Open decrypts the envelope with the server's private key. Every failure
// maps to a ValidationError so the handler answers 400 without leaking
// which stage failed beyond the message.
func (e *Envelope) Open(priv *rsa.PrivateKey) (*Payload, error) {
	encKey, err := base64.StdEncoding.DecodeString(e.EncryptedSessionKey)
	if err != nil {
		return nil, util.ValidationErrorf("encryptedSessionKey is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, util.ValidationErrorf("iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(e.AuthTag)
	if err != nil {
		return nil, util.ValidationErrorf("authTag is not valid base64")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, util.ValidationErrorf("ciphertext is not valid base64")
	}
	if len(iv) != ivLen {
		return nil, util.ValidationErrorf("iv must be %d bytes", ivLen)
	}
	if len(tag) != authTagLen {
		return nil, util.ValidationErrorf("authTag must be %d bytes", authTagLen)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		return nil, util.ValidationErrorf("unable to decrypt session key")
	}
	if len(sessionKey) != sessionKeyLen {
		return nil, util.ValidationErrorf("session key must be %d bytes", sessionKeyLen)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, util.ValidationErrorf("unable to initialize cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, util.ValidationErrorf("unable to initialize cipher")
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, util.ValidationErrorf("envelope decryption failed")
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, util.ValidationErrorf("envelope payload is not valid JSON")
	}
	return &payload, nil
}

// Seal is the client-side counterpart to Open. It exists for tests and for
// tooling that drives the auth endpoint.
func Seal(pub *rsa.PublicKey, keyID string, payload *Payload) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	sessionKey := make([]byte, sessionKeyLen)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-authTagLen], sealed[len(sealed)-authTagLen:]

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		KeyID:               keyID,
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(encKey),
		IV:                  base64.StdEncoding.EncodeToString(iv),
		AuthTag:             base64.StdEncoding.EncodeToString(tag),
		Ciphertext:          base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}
