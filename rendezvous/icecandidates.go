// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"context"
	"encoding/json"
)

// Role tells which side of the offer posted a candidate. It is assigned by
// the server at insert time, never taken from the client.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Opposite returns the other side of the exchange.
func (role Role) Opposite() Role {
	if role == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// IceCandidate is an opaque transport annotation posted by either peer.
type IceCandidate struct {
	ID        int64
	OfferID   string
	Username  string
	Role      Role
	Candidate json.RawMessage
	CreatedAt int64
}

// IceCandidates is the candidate repository. Candidates live and die with
// their parent offer.
type IceCandidates interface {
	// Add appends the batch atomically with created_at values
	// base, base+1, ..., base+n-1, giving a stable since cursor.
	Add(ctx context.Context, offerID, username string, role Role, candidates []json.RawMessage, base int64) ([]IceCandidate, error)

	// ListByRole returns candidates posted by role with created_at
	// strictly greater than since, ascending.
	ListByRole(ctx context.Context, offerID string, role Role, since int64) ([]IceCandidate, error)

	// ListForOffers is the batched poll join: for every listed offer it
	// returns candidates newer than since that were not posted by viewer,
	// ascending per offer. Callers pass at most MaxOfferIDsPerQuery ids.
	ListForOffers(ctx context.Context, offerIDs []string, viewer string, since int64) (map[string][]IceCandidate, error)

	CountByOffer(ctx context.Context, offerID string) (int64, error)
	Count(ctx context.Context) (int64, error)
}
