// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is an encrypted value in the dotted triple format
// base64(nonce).base64(ciphertext).base64(tag) produced by the client apps
// and the provisioning API. It is opaque to everything but SecretBox.
type Envelope string

func (e Envelope) IsEmpty() bool {
	return len(e) == 0
}

// Decode splits the envelope into its nonce, ciphertext, and tag parts.
func (e Envelope) Decode() (nonce, ciphertext, tag []byte, err error) {
	parts := strings.Split(string(e), ".")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("invalid encrypted payload format")
	}

	if nonce, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid envelope nonce: %w", err)
	}
	if ciphertext, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid envelope ciphertext: %w", err)
	}
	if tag, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid envelope tag: %w", err)
	}

	return nonce, ciphertext, tag, nil
}

// SecretBox decrypts envelopes with the AES-256-GCM key derived from the
// process-wide server secret. The key is the SHA-256 digest of the secret's
// utf-8 bytes, matching what the provisioning API encrypts with.
type SecretBox struct {
	aead cipher.AEAD
}

func NewSecretBox(serverSecret string) (*SecretBox, error) {
	key := sha256.Sum256([]byte(serverSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Open authenticates and decrypts the envelope, returning the plaintext.
func (b *SecretBox) Open(e Envelope) ([]byte, error) {
	nonce, ciphertext, tag, err := e.Decode()
	if err != nil {
		return nil, err
	}
	if len(nonce) != b.aead.NonceSize() {
		return nil, fmt.Errorf("invalid envelope nonce length %d", len(nonce))
	}

	// GCM wants ciphertext||tag as a single buffer.
	combined := make([]byte, 0, len(ciphertext)+len(tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)

	return b.aead.Open(nil, nonce, combined, nil)
}

// OpenString is Open with the plaintext decoded as a utf-8 string.
func (b *SecretBox) OpenString(e Envelope) (string, error) {
	plaintext, err := b.Open(e)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ExtractServerCiphertext returns the server-readable envelope from a stored
// ciphertext value. Newer clients write a JSON object holding both a
// server-readable and a device-readable envelope; legacy rows hold the bare
// envelope string. Anything that does not parse as a JSON object with a
// non-empty "server" field is returned unchanged.
func ExtractServerCiphertext(value string) string {
	if value == "" {
		return value
	}

	var decoded struct {
		Server string `json:"server"`
	}
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return value
	}
	if decoded.Server != "" {
		return decoded.Server
	}
	return value
}
