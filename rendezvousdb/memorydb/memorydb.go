// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package memorydb

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

// DB is the in-memory storage backend. A single mutex guards all tables;
// every operation is short and allocation-bound, so sharding is not worth
// the bookkeeping.
type DB struct {
	mu sync.Mutex

	offers      map[string]*rendezvous.Offer
	candidates  map[string][]rendezvous.IceCandidate
	credentials map[string]*rendezvous.Credential
	rateLimits  map[string]*rateLimitEntry
	nonces      map[string]int64
	nextCandID  int64
}

type rateLimitEntry struct {
	count     int64
	resetTime int64
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{
		offers:      make(map[string]*rendezvous.Offer),
		candidates:  make(map[string][]rendezvous.IceCandidate),
		credentials: make(map[string]*rendezvous.Credential),
		rateLimits:  make(map[string]*rateLimitEntry),
		nonces:      make(map[string]int64),
	}
}

// Offers implements rendezvous.DB.
func (db *DB) Offers() rendezvous.Offers { return &offers{db} }

// IceCandidates implements rendezvous.DB.
func (db *DB) IceCandidates() rendezvous.IceCandidates { return &icecandidates{db} }

// Credentials implements rendezvous.DB.
func (db *DB) Credentials() rendezvous.Credentials { return &credentials{db} }

// RateLimits implements rendezvous.DB.
func (db *DB) RateLimits() rendezvous.RateLimits { return &rateLimits{db} }

// Nonces implements rendezvous.DB.
func (db *DB) Nonces() rendezvous.Nonces { return &nonces{db} }

// CreateTables implements rendezvous.DB.
func (db *DB) CreateTables(ctx context.Context) error { return nil }

// Close implements rendezvous.DB.
func (db *DB) Close() error { return nil }

type offers struct{ db *DB }

func (repo *offers) Create(ctx context.Context, batch []rendezvous.Offer) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	for i := range batch {
		offer := batch[i]
		if _, exists := repo.db.offers[offer.ID]; exists {
			continue
		}
		offer.Tags = append([]string(nil), offer.Tags...)
		repo.db.offers[offer.ID] = &offer
	}
	return nil
}

func (repo *offers) Get(ctx context.Context, id string, now int64) (*rendezvous.Offer, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	offer, ok := repo.db.offers[id]
	if !ok || offer.ExpiresAt <= now {
		return nil, rendezvous.ErrNoOffer.New("%s", id)
	}
	copied := *offer
	return &copied, nil
}

func (repo *offers) Delete(ctx context.Context, id, owner string) (bool, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	offer, ok := repo.db.offers[id]
	if !ok || offer.Username != owner {
		return false, nil
	}
	delete(repo.db.offers, id)
	delete(repo.db.candidates, id)
	return true, nil
}

func (repo *offers) Answer(ctx context.Context, req rendezvous.AnswerRequest) (rendezvous.AnswerResult, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	offer, ok := repo.db.offers[req.OfferID]
	if !ok || offer.ExpiresAt <= req.Now {
		return rendezvous.AnswerOfferGone, nil
	}
	if offer.AnswererUsername != "" {
		return rendezvous.AnswerAlreadyTaken, nil
	}
	offer.AnswererUsername = req.Answerer
	offer.AnswerSDP = req.SDP
	offer.AnsweredAt = req.AnsweredAt
	offer.MatchedTags = append([]string(nil), req.MatchedTags...)
	if req.NewExpiresAt > offer.ExpiresAt {
		offer.ExpiresAt = req.NewExpiresAt
	}
	return rendezvous.AnswerAccepted, nil
}

func (repo *offers) matching(tags []string, exclude string, now int64) []*rendezvous.Offer {
	var matched []*rendezvous.Offer
	for _, offer := range repo.db.offers {
		if offer.ExpiresAt <= now || offer.AnswererUsername != "" {
			continue
		}
		if exclude != "" && offer.Username == exclude {
			continue
		}
		for _, tag := range tags {
			if offer.HasTag(tag) {
				matched = append(matched, offer)
				break
			}
		}
	}
	return matched
}

func (repo *offers) Discover(ctx context.Context, tags []string, exclude string, limit, offset int, now int64) ([]rendezvous.Offer, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	matched := repo.matching(tags, exclude, now)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	page := make([]rendezvous.Offer, 0, len(matched))
	for _, offer := range matched {
		page = append(page, *offer)
	}
	return page, nil
}

func (repo *offers) Random(ctx context.Context, tags []string, exclude string, now int64) (*rendezvous.Offer, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	matched := repo.matching(tags, exclude, now)
	if len(matched) == 0 {
		return nil, rendezvous.ErrNoOffer.New("no match")
	}
	copied := *matched[rand.Intn(len(matched))]
	return &copied, nil
}

func (repo *offers) AnsweredSince(ctx context.Context, owner string, since, now int64) ([]rendezvous.Offer, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var out []rendezvous.Offer
	for _, offer := range repo.db.offers {
		if offer.Username != owner || offer.ExpiresAt <= now {
			continue
		}
		if offer.AnswererUsername != "" && offer.AnsweredAt > since {
			out = append(out, *offer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnsweredAt < out[j].AnsweredAt })
	return out, nil
}

func (repo *offers) IDsByParticipant(ctx context.Context, username string, now int64) ([]string, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var ids []string
	for _, offer := range repo.db.offers {
		if offer.ExpiresAt <= now {
			continue
		}
		if offer.Username == username || offer.AnswererUsername == username {
			ids = append(ids, offer.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (repo *offers) Count(ctx context.Context) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return int64(len(repo.db.offers)), nil
}

func (repo *offers) CountByUsername(ctx context.Context, username string) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var count int64
	for _, offer := range repo.db.offers {
		if offer.Username == username {
			count++
		}
	}
	return count, nil
}

func (repo *offers) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var removed int64
	for id, offer := range repo.db.offers {
		if offer.ExpiresAt <= now {
			delete(repo.db.offers, id)
			delete(repo.db.candidates, id)
			removed++
		}
	}
	return removed, nil
}

type icecandidates struct{ db *DB }

func (repo *icecandidates) Add(ctx context.Context, offerID, username string, role rendezvous.Role, candidates []json.RawMessage, base int64) ([]rendezvous.IceCandidate, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	added := make([]rendezvous.IceCandidate, 0, len(candidates))
	for i, raw := range candidates {
		repo.db.nextCandID++
		candidate := rendezvous.IceCandidate{
			ID:        repo.db.nextCandID,
			OfferID:   offerID,
			Username:  username,
			Role:      role,
			Candidate: append(json.RawMessage(nil), raw...),
			CreatedAt: base + int64(i),
		}
		repo.db.candidates[offerID] = append(repo.db.candidates[offerID], candidate)
		added = append(added, candidate)
	}
	return added, nil
}

func (repo *icecandidates) ListByRole(ctx context.Context, offerID string, role rendezvous.Role, since int64) ([]rendezvous.IceCandidate, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var out []rendezvous.IceCandidate
	for _, candidate := range repo.db.candidates[offerID] {
		if candidate.Role == role && candidate.CreatedAt > since {
			out = append(out, candidate)
		}
	}
	sortCandidates(out)
	return out, nil
}

func (repo *icecandidates) ListForOffers(ctx context.Context, offerIDs []string, viewer string, since int64) (map[string][]rendezvous.IceCandidate, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	out := make(map[string][]rendezvous.IceCandidate)
	for _, offerID := range offerIDs {
		for _, candidate := range repo.db.candidates[offerID] {
			if candidate.Username != viewer && candidate.CreatedAt > since {
				out[offerID] = append(out[offerID], candidate)
			}
		}
		sortCandidates(out[offerID])
	}
	return out, nil
}

func (repo *icecandidates) CountByOffer(ctx context.Context, offerID string) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return int64(len(repo.db.candidates[offerID])), nil
}

func (repo *icecandidates) Count(ctx context.Context) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var count int64
	for _, list := range repo.db.candidates {
		count += int64(len(list))
	}
	return count, nil
}

func sortCandidates(candidates []rendezvous.IceCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}
		return candidates[i].ID < candidates[j].ID
	})
}

type credentials struct{ db *DB }

func (repo *credentials) Create(ctx context.Context, credential rendezvous.Credential) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	if _, exists := repo.db.credentials[credential.Name]; exists {
		return rendezvous.ErrNameTaken.New("%s", credential.Name)
	}
	repo.db.credentials[credential.Name] = &credential
	return nil
}

func (repo *credentials) Get(ctx context.Context, name string, now int64) (*rendezvous.Credential, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	credential, ok := repo.db.credentials[name]
	if !ok || credential.ExpiresAt <= now {
		return nil, rendezvous.ErrNoCredential.New("%s", name)
	}
	copied := *credential
	return &copied, nil
}

func (repo *credentials) Touch(ctx context.Context, name string, lastUsed, expiresAt int64) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	credential, ok := repo.db.credentials[name]
	if !ok {
		return rendezvous.ErrNoCredential.New("%s", name)
	}
	credential.LastUsed = lastUsed
	credential.ExpiresAt = expiresAt
	return nil
}

func (repo *credentials) Count(ctx context.Context) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	return int64(len(repo.db.credentials)), nil
}

func (repo *credentials) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var removed int64
	for name, credential := range repo.db.credentials {
		if credential.ExpiresAt <= now {
			delete(repo.db.credentials, name)
			removed++
		}
	}
	return removed, nil
}

type rateLimits struct{ db *DB }

func (repo *rateLimits) Allow(ctx context.Context, identifier string, limit int, windowMillis, now int64) (bool, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	entry, ok := repo.db.rateLimits[identifier]
	if !ok || entry.resetTime <= now {
		repo.db.rateLimits[identifier] = &rateLimitEntry{count: 1, resetTime: now + windowMillis}
		return limit >= 1, nil
	}
	entry.count++
	return entry.count <= int64(limit), nil
}

func (repo *rateLimits) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var removed int64
	for identifier, entry := range repo.db.rateLimits {
		if entry.resetTime <= now {
			delete(repo.db.rateLimits, identifier)
			removed++
		}
	}
	return removed, nil
}

type nonces struct{ db *DB }

func (repo *nonces) TryMark(ctx context.Context, key string, expiresAt int64) (bool, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	if _, exists := repo.db.nonces[key]; exists {
		return false, nil
	}
	repo.db.nonces[key] = expiresAt
	return true, nil
}

func (repo *nonces) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	var removed int64
	for key, expiresAt := range repo.db.nonces {
		if expiresAt <= now {
			delete(repo.db.nonces, key)
			removed++
		}
	}
	return removed, nil
}
