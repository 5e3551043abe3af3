// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// hmacKeyLength is the length of per-user vault HMAC keys. The client apps
// generate 256-bit keys; anything else indicates a corrupt or foreign key.
const hmacKeyLength = 32

// used for monkey-patching unit tests
var EqualMACS = hmac.Equal

// MACMessage computes the HMAC-SHA256 of data with key.
func MACMessage(key, data []byte) ([]byte, error) {
	if err := validateKeyLength(key); err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	if _, err := mac.Write(data); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

// ValidateMAC computes the MAC of message and compares the result to messageMAC.
// Returns true, along with the expected MAC, if the two MACs are equal.
func ValidateMAC(message, messageMAC, key []byte) (bool, []byte, error) {
	expectedMAC, err := MACMessage(key, message)
	if err != nil {
		return false, nil, err
	}

	return EqualMACS(messageMAC, expectedMAC), expectedMAC, nil
}

// ComputeSignature returns the base64 HMAC-SHA256 signature of message, the
// form vault entries store in hmac_signature.
func ComputeSignature(message string, key []byte) (string, error) {
	mac, err := MACMessage(key, []byte(message))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac), nil
}

// ValidateSignature checks a stored base64 signature against the expected
// HMAC of message. The comparison is constant time.
func ValidateSignature(message, signature string, key []byte) (bool, error) {
	expected, err := ComputeSignature(message, key)
	if err != nil {
		return false, err
	}
	return EqualMACS([]byte(signature), []byte(expected)), nil
}

func validateKeyLength(key []byte) error {
	if len(key) != hmacKeyLength {
		return fmt.Errorf("invalid key length %d", len(key))
	}
	return nil
}
