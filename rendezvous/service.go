// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/xtr-dev/rondevu-server/rendezvous/rendezvousauth"
)

var mon = monkit.Package()

// NowMillis returns the wall clock as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Service implements the signaling state machine and the credential
// lifecycle. It holds no in-memory state of its own: all concurrent safety
// is delegated to the storage contracts.
type Service struct {
	log       *zap.Logger
	store     DB
	encryptor *rendezvousauth.Encryptor
	config    Config
	now       func() int64
}

// NewService creates a Service. nowFn supplies epoch milliseconds and
// defaults to the wall clock when nil.
func NewService(log *zap.Logger, store DB, encryptor *rendezvousauth.Encryptor, config Config, nowFn func() int64) (*Service, error) {
	if log == nil {
		return nil, errs.New("log can't be nil")
	}
	if store == nil {
		return nil, errs.New("store can't be nil")
	}
	if encryptor == nil {
		return nil, errs.New("encryptor can't be nil")
	}
	if nowFn == nil {
		nowFn = NowMillis
	}
	return &Service{log: log, store: store, encryptor: encryptor, config: config, now: nowFn}, nil
}

// PublishOffer stores a batch of SDP offers under the caller's name. All
// offers of one call share tags, createdAt and expiresAt.
func (s *Service) PublishOffer(ctx context.Context, username string, req PublishOfferRequest) (_ *PublishOfferResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateTags(req.Tags); err != nil {
		return nil, err
	}
	tags := normalizeTags(req.Tags)

	if len(req.Offers) == 0 {
		return nil, CodedError(CodeMissingParams, "offers must contain at least one entry")
	}
	if len(req.Offers) > s.config.MaxOffersPerRequest {
		return nil, CodedError(CodeTooManyOffers, "at most %d offers per request", s.config.MaxOffersPerRequest)
	}
	for _, offer := range req.Offers {
		if err := ValidateSDP(offer.SDP, s.config.MaxSDPSize); err != nil {
			return nil, err
		}
	}

	userCount, err := s.store.Offers().CountByUsername(ctx, username)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if userCount+int64(len(req.Offers)) > int64(s.config.MaxOffersPerUser) {
		return nil, CodedError(CodeTooManyOffersByUser, "offer limit of %d per user reached", s.config.MaxOffersPerUser)
	}
	totalCount, err := s.store.Offers().Count(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if totalCount+int64(len(req.Offers)) > int64(s.config.MaxTotalOffers) {
		return nil, CodedError(CodeStorageFull, "global offer limit reached")
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.config.OfferDefaultTTL
	}
	if ttl < s.config.OfferMinTTL {
		ttl = s.config.OfferMinTTL
	}
	if ttl > s.config.OfferMaxTTL {
		ttl = s.config.OfferMaxTTL
	}

	now := s.now()
	expiresAt := now + ttl

	offers := make([]Offer, 0, len(req.Offers))
	published := make([]PublishedOffer, 0, len(req.Offers))
	seen := make(map[string]struct{}, len(req.Offers))
	for _, payload := range req.Offers {
		id := OfferID(payload.SDP)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			offers = append(offers, Offer{
				ID:        id,
				Username:  username,
				Tags:      tags,
				SDP:       payload.SDP,
				CreatedAt: now,
				ExpiresAt: expiresAt,
				LastSeen:  now,
			})
		}
		published = append(published, PublishedOffer{
			OfferID:   id,
			SDP:       payload.SDP,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		})
	}

	if err := s.store.Offers().Create(ctx, offers); err != nil {
		return nil, Error.Wrap(err)
	}

	return &PublishOfferResponse{
		Username:  username,
		Tags:      tags,
		Offers:    published,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// DiscoverPage lists open offers matching any of the tags, newest first.
// selfName, when known, excludes the caller's own offers.
func (s *Service) DiscoverPage(ctx context.Context, selfName string, tags []string, limit, offset int) (_ *DiscoverResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateTags(tags); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, CodedError(CodeInvalidParams, "limit must be at least 1")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		return nil, CodedError(CodeInvalidParams, "offset must not be negative")
	}

	offers, err := s.store.Offers().Discover(ctx, normalizeTags(tags), selfName, limit, offset, s.now())
	if err != nil {
		return nil, Error.Wrap(err)
	}

	summaries := make([]OfferSummary, 0, len(offers))
	for i := range offers {
		summaries = append(summaries, summarize(&offers[i]))
	}
	return &DiscoverResponse{Offers: summaries, Count: len(summaries), Limit: limit, Offset: offset}, nil
}

// DiscoverRandom returns a single uniform-random open offer. Uniformity is
// best-effort.
func (s *Service) DiscoverRandom(ctx context.Context, selfName string, tags []string) (_ *OfferSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateTags(tags); err != nil {
		return nil, err
	}

	offer, err := s.store.Offers().Random(ctx, normalizeTags(tags), selfName, s.now())
	if err != nil {
		if ErrNoOffer.Has(err) {
			return nil, CodedError(CodeOfferNotFound, "no offer matches the given tags")
		}
		return nil, Error.Wrap(err)
	}
	summary := summarize(offer)
	return &summary, nil
}

// AnswerOffer claims an open offer for the caller. Under concurrency
// exactly one answerer wins; everyone else sees OFFER_ALREADY_ANSWERED,
// whether they lost the race or arrived late.
func (s *Service) AnswerOffer(ctx context.Context, username string, req AnswerOfferRequest) (_ *AnswerOfferResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.OfferID == "" {
		return nil, CodedError(CodeMissingParams, "offerId is required")
	}
	if err := ValidateSDP(req.SDP, s.config.MaxSDPSize); err != nil {
		return nil, err
	}

	now := s.now()
	offer, err := s.store.Offers().Get(ctx, req.OfferID, now)
	if err != nil {
		if ErrNoOffer.Has(err) {
			return nil, CodedError(CodeOfferNotFound, "offer not found or expired")
		}
		return nil, Error.Wrap(err)
	}
	if offer.Answered() {
		return nil, CodedError(CodeOfferAlreadyTaken, "offer already answered")
	}

	if len(req.MatchedTags) > 0 {
		var unknown []string
		for _, tag := range req.MatchedTags {
			if !offer.HasTag(tag) {
				unknown = append(unknown, tag)
			}
		}
		if len(unknown) > 0 {
			return nil, CodedError(CodeInvalidTag, "matched tags not on offer: %s", strings.Join(unknown, ", "))
		}
	}

	result, err := s.store.Offers().Answer(ctx, AnswerRequest{
		OfferID:     req.OfferID,
		Answerer:    username,
		SDP:         req.SDP,
		MatchedTags: req.MatchedTags,
		AnsweredAt:  now,
		Now:         now,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	switch result {
	case AnswerAccepted:
		return &AnswerOfferResponse{OfferID: req.OfferID, AnsweredAt: now}, nil
	case AnswerAlreadyTaken:
		return nil, CodedError(CodeOfferAlreadyTaken, "offer already answered")
	default:
		return nil, CodedError(CodeOfferNotFound, "offer not found or expired")
	}
}

// GetOfferAnswer returns the answer SDP of the caller's own offer.
func (s *Service) GetOfferAnswer(ctx context.Context, username string, req GetOfferAnswerRequest) (_ *GetOfferAnswerResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	offer, err := s.ownedOffer(ctx, username, req.OfferID)
	if err != nil {
		return nil, err
	}
	if !offer.Answered() {
		return nil, CodedError(CodeOfferNotAnswered, "offer has no answer yet")
	}
	return &GetOfferAnswerResponse{
		OfferID:          offer.ID,
		SDP:              offer.AnswerSDP,
		AnswererUsername: offer.AnswererUsername,
		AnsweredAt:       offer.AnsweredAt,
		MatchedTags:      offer.MatchedTags,
	}, nil
}

// AddIceCandidates appends opaque candidates to an offer. The role is
// derived from the stored offer, never from the client: the offer's owner
// posts as offerer, everyone else as answerer.
func (s *Service) AddIceCandidates(ctx context.Context, username string, req AddIceCandidatesRequest) (_ *AddIceCandidatesResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.OfferID == "" {
		return nil, CodedError(CodeMissingParams, "offerId is required")
	}
	if len(req.Candidates) == 0 {
		return nil, CodedError(CodeMissingParams, "candidates must contain at least one entry")
	}
	if len(req.Candidates) > s.config.MaxCandidatesPerRequest {
		return nil, CodedError(CodeInvalidParams, "at most %d candidates per request", s.config.MaxCandidatesPerRequest)
	}
	for _, candidate := range req.Candidates {
		if err := ValidateCandidate(candidate, s.config.MaxCandidateSize, s.config.MaxCandidateDepth); err != nil {
			return nil, err
		}
	}

	now := s.now()
	offer, err := s.store.Offers().Get(ctx, req.OfferID, now)
	if err != nil {
		if ErrNoOffer.Has(err) {
			return nil, CodedError(CodeOfferNotFound, "offer not found or expired")
		}
		return nil, Error.Wrap(err)
	}

	role := RoleAnswerer
	if offer.Username == username {
		role = RoleOfferer
	}

	current, err := s.store.IceCandidates().CountByOffer(ctx, req.OfferID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if current+int64(len(req.Candidates)) > int64(s.config.MaxIceCandidatesPerOffer) {
		return nil, CodedError(CodeTooManyCandidates, "candidate limit of %d per offer reached", s.config.MaxIceCandidatesPerOffer)
	}

	added, err := s.store.IceCandidates().Add(ctx, req.OfferID, username, role, req.Candidates, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &AddIceCandidatesResponse{OfferID: req.OfferID, Role: role, Added: len(added)}, nil
}

// GetIceCandidates returns the opposite side's candidates newer than
// since. A peer never sees its own candidates echoed back.
func (s *Service) GetIceCandidates(ctx context.Context, username string, req GetIceCandidatesRequest) (_ *GetIceCandidatesResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.OfferID == "" {
		return nil, CodedError(CodeMissingParams, "offerId is required")
	}

	now := s.now()
	offer, err := s.store.Offers().Get(ctx, req.OfferID, now)
	if err != nil {
		if ErrNoOffer.Has(err) {
			return nil, CodedError(CodeOfferNotFound, "offer not found or expired")
		}
		return nil, Error.Wrap(err)
	}

	var callerRole Role
	switch username {
	case offer.Username:
		callerRole = RoleOfferer
	case offer.AnswererUsername:
		callerRole = RoleAnswerer
	default:
		return nil, CodedError(CodeNotAuthorized, "not a participant of this offer")
	}

	candidates, err := s.store.IceCandidates().ListByRole(ctx, req.OfferID, callerRole.Opposite(), req.Since)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &GetIceCandidatesResponse{OfferID: req.OfferID, Candidates: viewCandidates(candidates)}, nil
}

// Poll gathers everything new for the caller since the given cursor:
// answers to the caller's offers and the opposite side's candidates on
// every offer the caller participates in, fetched with one batched join.
func (s *Service) Poll(ctx context.Context, username string, req PollRequest) (_ *PollResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()

	answered, err := s.store.Offers().AnsweredSince(ctx, username, req.Since, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	answers := make([]AnswerNotice, 0, len(answered))
	for i := range answered {
		offer := &answered[i]
		answers = append(answers, AnswerNotice{
			OfferID:          offer.ID,
			SDP:              offer.AnswerSDP,
			AnswererUsername: offer.AnswererUsername,
			AnsweredAt:       offer.AnsweredAt,
			MatchedTags:      offer.MatchedTags,
		})
	}

	ids, err := s.store.Offers().IDsByParticipant(ctx, username, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	candidates := make(map[string][]IceCandidateView)
	for start := 0; start < len(ids); start += MaxOfferIDsPerQuery {
		end := start + MaxOfferIDsPerQuery
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := s.store.IceCandidates().ListForOffers(ctx, ids[start:end], username, req.Since)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for offerID, list := range chunk {
			candidates[offerID] = append(candidates[offerID], viewCandidates(list)...)
		}
	}

	return &PollResponse{Answers: answers, IceCandidates: candidates}, nil
}

// DeleteOffer removes the caller's own offer.
func (s *Service) DeleteOffer(ctx context.Context, username string, req DeleteOfferRequest) (_ *DeleteOfferResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	offer, err := s.ownedOffer(ctx, username, req.OfferID)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.Offers().Delete(ctx, offer.ID, username)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DeleteOfferResponse{Deleted: deleted}, nil
}

// GenerateCredentials mints a new identity. The caller receives the
// plaintext secret exactly once; the broker keeps only the encrypted form.
func (s *Service) GenerateCredentials(ctx context.Context, clientIP string, req GenerateCredentialsRequest) (_ *GenerateCredentialsResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	now := s.now()

	// A misconfigured proxy hiding client addresses must not open an
	// unmetered path, so unknown IPs share one tight global bucket.
	identifier := "credentials:global"
	limit := GlobalCredentialBucketLimit
	if clientIP != "" {
		identifier = "credentials:ip:" + clientIP
		limit = s.config.CredentialsPerIPPerSecond
	}
	allowed, err := s.store.RateLimits().Allow(ctx, identifier, limit, RateLimitWindow, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !allowed {
		return nil, CodedError(CodeRateLimitExceeded, "too many credential requests")
	}

	count, err := s.store.Credentials().Count(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if count >= int64(s.config.MaxTotalCredentials) {
		return nil, CodedError(CodeStorageFull, "credential limit reached")
	}

	expiresAt := req.ExpiresAt
	switch {
	case expiresAt == 0:
		expiresAt = now + CredentialTTL
	case expiresAt < now-ExpiresAtPastTolerance:
		return nil, CodedError(CodeInvalidParams, "expiresAt lies in the past")
	case expiresAt > now+MaxCredentialExpiry:
		return nil, CodedError(CodeInvalidParams, "expiresAt lies more than 10 years ahead")
	}

	secret, err := rendezvousauth.NewSecret()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	encrypted, err := s.encryptor.Encrypt(secret)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	credential := Credential{
		EncryptedSecret: encrypted,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
		LastUsed:        now,
	}

	if req.Name != "" {
		credential.Name = strings.ToLower(req.Name)
		if err := ValidateName(credential.Name); err != nil {
			return nil, err
		}
		if err := s.store.Credentials().Create(ctx, credential); err != nil {
			if ErrNameTaken.Has(err) {
				return nil, CodedError(CodeInvalidName, "name already in use")
			}
			return nil, Error.Wrap(err)
		}
	} else {
		var created bool
		for attempt := 0; attempt < rendezvousauth.NameRetryAttempts; attempt++ {
			credential.Name, err = rendezvousauth.NewName()
			if err != nil {
				return nil, Error.Wrap(err)
			}
			err = s.store.Credentials().Create(ctx, credential)
			if err == nil {
				created = true
				break
			}
			if !ErrNameTaken.Has(err) {
				return nil, Error.Wrap(err)
			}
		}
		if !created {
			return nil, Error.New("could not find a free credential name")
		}
	}

	return &GenerateCredentialsResponse{
		Name:      credential.Name,
		Secret:    secret,
		CreatedAt: credential.CreatedAt,
		ExpiresAt: credential.ExpiresAt,
	}, nil
}

// ownedOffer loads an offer and checks the caller owns it.
func (s *Service) ownedOffer(ctx context.Context, username, offerID string) (*Offer, error) {
	if offerID == "" {
		return nil, CodedError(CodeMissingParams, "offerId is required")
	}
	offer, err := s.store.Offers().Get(ctx, offerID, s.now())
	if err != nil {
		if ErrNoOffer.Has(err) {
			return nil, CodedError(CodeOfferNotFound, "offer not found or expired")
		}
		return nil, Error.Wrap(err)
	}
	if offer.Username != username {
		return nil, CodedError(CodeNotAuthorized, "offer belongs to another user")
	}
	return offer, nil
}

func summarize(offer *Offer) OfferSummary {
	return OfferSummary{
		OfferID:   offer.ID,
		Username:  offer.Username,
		Tags:      offer.Tags,
		SDP:       offer.SDP,
		CreatedAt: offer.CreatedAt,
		ExpiresAt: offer.ExpiresAt,
	}
}

func viewCandidates(candidates []IceCandidate) []IceCandidateView {
	views := make([]IceCandidateView, 0, len(candidates))
	for _, c := range candidates {
		views = append(views, IceCandidateView{
			ID:        c.ID,
			Candidate: c.Candidate,
			Role:      c.Role,
			CreatedAt: c.CreatedAt,
		})
	}
	return views
}
