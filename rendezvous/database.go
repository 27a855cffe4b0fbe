// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import "context"

// DB aggregates access to the broker's storage. Backends differ in dialect
// only; semantics are identical and all timestamps are epoch milliseconds
// supplied by the caller.
type DB interface {
	// Offers is a getter for the offer repository.
	Offers() Offers
	// IceCandidates is a getter for the candidate repository.
	IceCandidates() IceCandidates
	// Credentials is a getter for the credential repository.
	Credentials() Credentials
	// RateLimits is a getter for the rate limit counters.
	RateLimits() RateLimits
	// Nonces is a getter for the replay protection set.
	Nonces() Nonces

	// CreateTables initializes the schema.
	CreateTables(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}
