// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the rendezvousauth error class.
var Error = errs.Class("rendezvousauth")

// DevelopmentKey is the fixed master key used when the broker runs in
// development without MASTER_ENCRYPTION_KEY. It must never reach
// production; callers log loudly when falling back to it.
var DevelopmentKey = strings.Repeat("42", 32)

// Encryptor reversibly encrypts credential secrets at rest with AES-GCM
// under a 32-byte master key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor parses a 64 hex character master key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, Error.New("master key must be 64 hex characters")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh 12-byte IV. The output layout is
// base64(IV || ciphertext || tag).
func (enc *Encryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, enc.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", Error.Wrap(err)
	}
	sealed := enc.aead.Seal(iv, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure, including a wrong
// key or a truncated blob, yields an error; callers treat it as
// "credential not found" to stay fail-closed.
func (enc *Encryptor) Decrypt(blob string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(sealed) < enc.aead.NonceSize() {
		return "", Error.New("ciphertext too short")
	}
	iv, ciphertext := sealed[:enc.aead.NonceSize()], sealed[enc.aead.NonceSize():]
	plaintext, err := enc.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(plaintext), nil
}
