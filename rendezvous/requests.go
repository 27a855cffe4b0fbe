// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import "encoding/json"

// Typed parameter and result records for every RPC method. The dispatcher
// decodes the raw params of a request into exactly one of these.

// OfferPayload is a single SDP inside publishOffer.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// PublishOfferRequest carries publishOffer params.
type PublishOfferRequest struct {
	Tags   []string       `json:"tags"`
	Offers []OfferPayload `json:"offers"`
	TTL    int64          `json:"ttl,omitempty"`
}

// PublishedOffer describes one stored offer in a publishOffer result.
type PublishedOffer struct {
	OfferID   string `json:"offerId"`
	SDP       string `json:"sdp"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PublishOfferResponse is the publishOffer result.
type PublishOfferResponse struct {
	Username  string           `json:"username"`
	Tags      []string         `json:"tags"`
	Offers    []PublishedOffer `json:"offers"`
	CreatedAt int64            `json:"createdAt"`
	ExpiresAt int64            `json:"expiresAt"`
}

// DiscoverRequest carries discover params. A present Limit selects the
// paginated mode; absent Limit selects the single random offer mode.
type DiscoverRequest struct {
	Tags   []string `json:"tags"`
	Limit  *int     `json:"limit,omitempty"`
	Offset *int     `json:"offset,omitempty"`
}

// OfferSummary is the public view of an open offer.
type OfferSummary struct {
	OfferID   string   `json:"offerId"`
	Username  string   `json:"username"`
	Tags      []string `json:"tags"`
	SDP       string   `json:"sdp"`
	CreatedAt int64    `json:"createdAt"`
	ExpiresAt int64    `json:"expiresAt"`
}

// DiscoverResponse is the paginated discover result.
type DiscoverResponse struct {
	Offers []OfferSummary `json:"offers"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// AnswerOfferRequest carries answerOffer params.
type AnswerOfferRequest struct {
	OfferID     string   `json:"offerId"`
	SDP         string   `json:"sdp"`
	MatchedTags []string `json:"matchedTags,omitempty"`
}

// AnswerOfferResponse is the answerOffer result.
type AnswerOfferResponse struct {
	OfferID    string `json:"offerId"`
	AnsweredAt int64  `json:"answeredAt"`
}

// GetOfferAnswerRequest carries getOfferAnswer params.
type GetOfferAnswerRequest struct {
	OfferID string `json:"offerId"`
}

// GetOfferAnswerResponse is the getOfferAnswer result.
type GetOfferAnswerResponse struct {
	OfferID          string   `json:"offerId"`
	SDP              string   `json:"sdp"`
	AnswererUsername string   `json:"answererUsername"`
	AnsweredAt       int64    `json:"answeredAt"`
	MatchedTags      []string `json:"matchedTags,omitempty"`
}

// AddIceCandidatesRequest carries addIceCandidates params.
type AddIceCandidatesRequest struct {
	OfferID    string            `json:"offerId"`
	Candidates []json.RawMessage `json:"candidates"`
}

// AddIceCandidatesResponse is the addIceCandidates result.
type AddIceCandidatesResponse struct {
	OfferID string `json:"offerId"`
	Role    Role   `json:"role"`
	Added   int    `json:"added"`
}

// GetIceCandidatesRequest carries getIceCandidates params.
type GetIceCandidatesRequest struct {
	OfferID string `json:"offerId"`
	Since   int64  `json:"since,omitempty"`
}

// IceCandidateView is the client-facing candidate shape.
type IceCandidateView struct {
	ID        int64           `json:"id"`
	Candidate json.RawMessage `json:"candidate"`
	Role      Role            `json:"role"`
	CreatedAt int64           `json:"createdAt"`
}

// GetIceCandidatesResponse is the getIceCandidates result.
type GetIceCandidatesResponse struct {
	OfferID    string             `json:"offerId"`
	Candidates []IceCandidateView `json:"candidates"`
}

// PollRequest carries poll params.
type PollRequest struct {
	Since int64 `json:"since,omitempty"`
}

// AnswerNotice reports one answered offer in a poll result.
type AnswerNotice struct {
	OfferID          string   `json:"offerId"`
	SDP              string   `json:"sdp"`
	AnswererUsername string   `json:"answererUsername"`
	AnsweredAt       int64    `json:"answeredAt"`
	MatchedTags      []string `json:"matchedTags,omitempty"`
}

// PollResponse is the poll result.
type PollResponse struct {
	Answers       []AnswerNotice                `json:"answers"`
	IceCandidates map[string][]IceCandidateView `json:"iceCandidates"`
}

// DeleteOfferRequest carries deleteOffer params.
type DeleteOfferRequest struct {
	OfferID string `json:"offerId"`
}

// DeleteOfferResponse is the deleteOffer result.
type DeleteOfferResponse struct {
	Deleted bool `json:"deleted"`
}

// GenerateCredentialsRequest carries generateCredentials params.
type GenerateCredentialsRequest struct {
	Name      string `json:"name,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// GenerateCredentialsResponse is the generateCredentials result. Secret is
// the plaintext hex secret, returned exactly once.
type GenerateCredentialsResponse struct {
	Name      string `json:"name"`
	Secret    string `json:"secret"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}
