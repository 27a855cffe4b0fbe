// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousauth

import (
	"crypto/rand"
	"math/big"
)

const nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NameRetryAttempts bounds how often a caller retries generated names on
// uniqueness collisions.
const NameRetryAttempts = 100

// NewName produces a random 6 to 10 character base36 token. Uniqueness is
// enforced by storage, not here.
func NewName() (string, error) {
	length, err := randomInt(5)
	if err != nil {
		return "", err
	}
	length += 6

	name := make([]byte, length)
	for i := range name {
		idx, err := randomInt(int64(len(nameAlphabet)))
		if err != nil {
			return "", err
		}
		name[i] = nameAlphabet[idx]
	}
	return string(name), nil
}

func randomInt(max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return n.Int64(), nil
}
