// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Offer is an SDP posting open for exactly one answer. Its ID is a pure
// function of the SDP bytes, so re-publishing identical SDP deduplicates
// into the same row.
type Offer struct {
	ID        string
	Username  string
	Tags      []string
	SDP       string
	CreatedAt int64
	ExpiresAt int64
	LastSeen  int64

	// Set once the offer transitions to its claimed terminal state.
	AnswererUsername string
	AnswerSDP        string
	AnsweredAt       int64
	MatchedTags      []string
}

// Answered reports whether the offer has been claimed.
func (offer *Offer) Answered() bool { return offer.AnswererUsername != "" }

// HasTag reports whether tag is part of the offer's tag set.
func (offer *Offer) HasTag(tag string) bool {
	for _, t := range offer.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// OfferID derives the offer identifier from the SDP bytes.
func OfferID(sdp string) string {
	sum := sha256.Sum256([]byte(sdp))
	return hex.EncodeToString(sum[:])
}

// AnswerResult discriminates the outcome of a conditional answer update.
type AnswerResult int

const (
	// AnswerAccepted means the caller won the offer.
	AnswerAccepted AnswerResult = iota
	// AnswerAlreadyTaken means another answerer holds the offer.
	AnswerAlreadyTaken
	// AnswerOfferGone means the offer does not exist or has expired.
	AnswerOfferGone
)

// AnswerRequest carries the conditional answer update. NewExpiresAt of zero
// leaves the stored expiry untouched.
type AnswerRequest struct {
	OfferID      string
	Answerer     string
	SDP          string
	MatchedTags  []string
	AnsweredAt   int64
	NewExpiresAt int64
	Now          int64
}

// Offers is the offer repository. All reads treat rows with
// expires_at <= now as absent.
type Offers interface {
	// Create inserts the batch transactionally. Rows whose ID already
	// exists are left untouched.
	Create(ctx context.Context, offers []Offer) error

	// Get returns the offer, or ErrNoOffer.
	Get(ctx context.Context, id string, now int64) (*Offer, error)

	// Delete removes the offer iff owner matches the stored username and
	// reports whether a row was removed.
	Delete(ctx context.Context, id, owner string) (bool, error)

	// Answer atomically claims the offer for req.Answerer where no
	// answerer is set yet.
	Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error)

	// Discover lists unanswered, unexpired offers matching any of the
	// tags, excluding those owned by exclude, ordered by created_at
	// descending.
	Discover(ctx context.Context, tags []string, exclude string, limit, offset int, now int64) ([]Offer, error)

	// Random returns a single uniform-random offer under the Discover
	// filter, or ErrNoOffer when nothing matches.
	Random(ctx context.Context, tags []string, exclude string, now int64) (*Offer, error)

	// AnsweredSince lists owner's offers answered strictly after since.
	AnsweredSince(ctx context.Context, owner string, since, now int64) ([]Offer, error)

	// IDsByParticipant lists unexpired offers where username is the
	// offerer or the answerer.
	IDsByParticipant(ctx context.Context, username string, now int64) ([]string, error)

	Count(ctx context.Context) (int64, error)
	CountByUsername(ctx context.Context, username string) (int64, error)

	// DeleteExpired removes offers with expires_at <= now, cascading to
	// their ICE candidates, and returns how many were removed.
	DeleteExpired(ctx context.Context, now int64) (int64, error)
}
