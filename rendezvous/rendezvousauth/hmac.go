// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
)

// SecretSize is the raw credential secret size in bytes. Secrets travel and
// act as HMAC keys in their hex encoding (64 characters).
const SecretSize = 32

// CanonicalMessage builds the byte string a request signature covers:
//
//	"{timestamp}:{nonce}:{method}:{paramsJson}"
//
// paramsJson is the params JSON exactly as transmitted, or the literal {}
// when the request carries no params. The server never re-marshals params
// before verifying, so clients sign the bytes they send and no JSON
// canonicalization convention is involved.
func CanonicalMessage(timestamp int64, nonce, method string, params []byte) []byte {
	if len(params) == 0 {
		params = []byte("{}")
	}
	msg := make([]byte, 0, 24+len(nonce)+len(method)+len(params))
	msg = strconv.AppendInt(msg, timestamp, 10)
	msg = append(msg, ':')
	msg = append(msg, nonce...)
	msg = append(msg, ':')
	msg = append(msg, method...)
	msg = append(msg, ':')
	msg = append(msg, params...)
	return msg
}

// Sign computes the base64 HMAC-SHA256 of message under secret.
func Sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against message in constant time.
func Verify(secret, message []byte, signature string) bool {
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return hmac.Equal(provided, mac.Sum(nil))
}

// NewSecret generates a fresh credential secret as 64 hex characters.
func NewSecret() (string, error) {
	var raw [SecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(raw[:]), nil
}
