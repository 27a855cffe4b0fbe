// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import "context"

// Credential is an identity record. The secret is stored reversibly
// encrypted; the plaintext leaves the broker exactly once, on creation.
type Credential struct {
	Name            string
	EncryptedSecret string
	CreatedAt       int64
	ExpiresAt       int64
	LastUsed        int64
}

// Credentials is the credential repository.
type Credentials interface {
	// Create inserts the credential, or ErrNameTaken.
	Create(ctx context.Context, credential Credential) error

	// Get returns the credential, or ErrNoCredential when the name is
	// unknown or the record expired.
	Get(ctx context.Context, name string, now int64) (*Credential, error)

	// Touch refreshes usage tracking after a successful authentication.
	Touch(ctx context.Context, name string, lastUsed, expiresAt int64) error

	Count(ctx context.Context) (int64, error)
	DeleteExpired(ctx context.Context, now int64) (int64, error)
}

// RateLimits is a fixed-window counter store. Allow must be race-free: two
// concurrent callers always observe monotonic counts.
type RateLimits interface {
	// Allow bumps the counter for identifier, resetting it to 1 whenever
	// its window has elapsed, and reports whether the post-increment
	// count is within limit.
	Allow(ctx context.Context, identifier string, limit int, windowMillis, now int64) (bool, error)

	DeleteExpired(ctx context.Context, now int64) (int64, error)
}

// Nonces is an insert-only set with TTL. A duplicate insert means a replay.
type Nonces interface {
	// TryMark inserts the key and reports true iff it was newly inserted.
	TryMark(ctx context.Context, key string, expiresAt int64) (bool, error)

	DeleteExpired(ctx context.Context, now int64) (int64, error)
}
