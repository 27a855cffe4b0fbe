// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package memorydb_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtr-dev/rondevu-server/rendezvous"
	"github.com/xtr-dev/rondevu-server/rendezvousdb/memorydb"
)

func makeOffer(id, username string, tags []string, createdAt, expiresAt int64) rendezvous.Offer {
	return rendezvous.Offer{
		ID:        id,
		Username:  username,
		Tags:      tags,
		SDP:       "sdp-" + id,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		LastSeen:  createdAt,
	}
}

func TestOffersCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	err := db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "alice", []string{"chat"}, 100, 1000),
	})
	require.NoError(t, err)

	offer, err := db.Offers().Get(ctx, "o1", 500)
	require.NoError(t, err)
	assert.Equal(t, "alice", offer.Username)

	// an expired offer reads as missing
	_, err = db.Offers().Get(ctx, "o1", 1000)
	assert.True(t, rendezvous.ErrNoOffer.Has(err))

	// re-creating an id keeps the existing row
	err = db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "eve", []string{"other"}, 200, 2000),
	})
	require.NoError(t, err)
	offer, err = db.Offers().Get(ctx, "o1", 500)
	require.NoError(t, err)
	assert.Equal(t, "alice", offer.Username)

	deleted, err := db.Offers().Delete(ctx, "o1", "eve")
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = db.Offers().Delete(ctx, "o1", "alice")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestOffersAnswer(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	require.NoError(t, db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "alice", []string{"chat"}, 100, 1000),
	}))

	result, err := db.Offers().Answer(ctx, rendezvous.AnswerRequest{
		OfferID: "o1", Answerer: "bob", SDP: "answer", AnsweredAt: 200, NewExpiresAt: 5000, Now: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.AnswerAccepted, result)

	// the answer extends the offer's life
	offer, err := db.Offers().Get(ctx, "o1", 4999)
	require.NoError(t, err)
	assert.Equal(t, "bob", offer.AnswererUsername)
	assert.EqualValues(t, 5000, offer.ExpiresAt)

	result, err = db.Offers().Answer(ctx, rendezvous.AnswerRequest{
		OfferID: "o1", Answerer: "carol", SDP: "late", AnsweredAt: 300, Now: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.AnswerAlreadyTaken, result)

	result, err = db.Offers().Answer(ctx, rendezvous.AnswerRequest{
		OfferID: "missing", Answerer: "bob", SDP: "x", Now: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.AnswerOfferGone, result)
}

func TestOffersDiscover(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	require.NoError(t, db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "alice", []string{"chat"}, 100, 10000),
		makeOffer("o2", "bob", []string{"chat", "games"}, 200, 10000),
		makeOffer("o3", "carol", []string{"games"}, 300, 10000),
	}))

	// newest first
	page, err := db.Offers().Discover(ctx, []string{"chat", "games"}, "", 10, 0, 500)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "o3", page[0].ID)
	assert.Equal(t, "o2", page[1].ID)
	assert.Equal(t, "o1", page[2].ID)

	// offset past the end is an empty page
	page, err = db.Offers().Discover(ctx, []string{"chat"}, "", 10, 5, 500)
	require.NoError(t, err)
	assert.Empty(t, page)

	// limit and offset combine
	page, err = db.Offers().Discover(ctx, []string{"chat", "games"}, "", 1, 1, 500)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "o2", page[0].ID)

	// exclusion by owner
	page, err = db.Offers().Discover(ctx, []string{"chat"}, "alice", 10, 0, 500)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "o2", page[0].ID)

	// answered offers are invisible
	_, err = db.Offers().Answer(ctx, rendezvous.AnswerRequest{
		OfferID: "o2", Answerer: "dave", SDP: "x", AnsweredAt: 400, Now: 400,
	})
	require.NoError(t, err)
	page, err = db.Offers().Discover(ctx, []string{"chat"}, "", 10, 0, 500)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "o1", page[0].ID)

	random, err := db.Offers().Random(ctx, []string{"chat"}, "", 500)
	require.NoError(t, err)
	assert.Equal(t, "o1", random.ID)

	_, err = db.Offers().Random(ctx, []string{"nope"}, "", 500)
	assert.True(t, rendezvous.ErrNoOffer.Has(err))
}

func TestOffersPollQueries(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	require.NoError(t, db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "alice", []string{"chat"}, 100, 10000),
		makeOffer("o2", "alice", []string{"chat"}, 100, 10000),
	}))
	_, err := db.Offers().Answer(ctx, rendezvous.AnswerRequest{
		OfferID: "o1", Answerer: "bob", SDP: "x", AnsweredAt: 200, Now: 200,
	})
	require.NoError(t, err)

	answered, err := db.Offers().AnsweredSince(ctx, "alice", 150, 500)
	require.NoError(t, err)
	require.Len(t, answered, 1)
	assert.Equal(t, "o1", answered[0].ID)

	answered, err = db.Offers().AnsweredSince(ctx, "alice", 200, 500)
	require.NoError(t, err)
	assert.Empty(t, answered)

	ids, err := db.Offers().IDsByParticipant(ctx, "bob", 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids)

	ids, err = db.Offers().IDsByParticipant(ctx, "alice", 500)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, ids)
}

func TestOffersDeleteExpired(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	require.NoError(t, db.Offers().Create(ctx, []rendezvous.Offer{
		makeOffer("o1", "alice", []string{"chat"}, 100, 1000),
		makeOffer("o2", "alice", []string{"chat"}, 100, 2000),
	}))
	_, err := db.IceCandidates().Add(ctx, "o1", "alice", rendezvous.RoleOfferer,
		[]json.RawMessage{json.RawMessage(`{}`)}, 150)
	require.NoError(t, err)

	removed, err := db.Offers().DeleteExpired(ctx, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	// candidates die with their offer
	count, err := db.IceCandidates().CountByOffer(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, count)

	total, err := db.Offers().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestIceCandidates(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	added, err := db.IceCandidates().Add(ctx, "o1", "alice", rendezvous.RoleOfferer,
		[]json.RawMessage{json.RawMessage(`{"c":1}`), json.RawMessage(`{"c":2}`)}, 100)
	require.NoError(t, err)
	require.Len(t, added, 2)
	// created_at is strictly increasing within the batch
	assert.EqualValues(t, 100, added[0].CreatedAt)
	assert.EqualValues(t, 101, added[1].CreatedAt)

	_, err = db.IceCandidates().Add(ctx, "o1", "bob", rendezvous.RoleAnswerer,
		[]json.RawMessage{json.RawMessage(`{"c":3}`)}, 200)
	require.NoError(t, err)

	fromOfferer, err := db.IceCandidates().ListByRole(ctx, "o1", rendezvous.RoleOfferer, 0)
	require.NoError(t, err)
	require.Len(t, fromOfferer, 2)

	fromOfferer, err = db.IceCandidates().ListByRole(ctx, "o1", rendezvous.RoleOfferer, 100)
	require.NoError(t, err)
	require.Len(t, fromOfferer, 1)
	assert.EqualValues(t, 101, fromOfferer[0].CreatedAt)

	byOffer, err := db.IceCandidates().ListForOffers(ctx, []string{"o1"}, "alice", 0)
	require.NoError(t, err)
	require.Len(t, byOffer["o1"], 1)
	assert.Equal(t, "bob", byOffer["o1"][0].Username)

	count, err := db.IceCandidates().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	err := db.Credentials().Create(ctx, rendezvous.Credential{
		Name: "alice", EncryptedSecret: "blob", CreatedAt: 100, ExpiresAt: 1000, LastUsed: 100,
	})
	require.NoError(t, err)

	err = db.Credentials().Create(ctx, rendezvous.Credential{Name: "alice", ExpiresAt: 1000})
	assert.True(t, rendezvous.ErrNameTaken.Has(err))

	credential, err := db.Credentials().Get(ctx, "alice", 500)
	require.NoError(t, err)
	assert.Equal(t, "blob", credential.EncryptedSecret)

	_, err = db.Credentials().Get(ctx, "alice", 1000)
	assert.True(t, rendezvous.ErrNoCredential.Has(err))

	require.NoError(t, db.Credentials().Touch(ctx, "alice", 600, 2000))
	credential, err = db.Credentials().Get(ctx, "alice", 1500)
	require.NoError(t, err)
	assert.EqualValues(t, 600, credential.LastUsed)

	removed, err := db.Credentials().DeleteExpired(ctx, 2000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestRateLimits(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	for i := 0; i < 2; i++ {
		allowed, err := db.RateLimits().Allow(ctx, "ip:1", 2, 1000, 100)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := db.RateLimits().Allow(ctx, "ip:1", 2, 1000, 100)
	require.NoError(t, err)
	assert.False(t, allowed)

	// a fresh window resets the counter
	allowed, err = db.RateLimits().Allow(ctx, "ip:1", 2, 1000, 1100)
	require.NoError(t, err)
	assert.True(t, allowed)

	// buckets are independent
	allowed, err = db.RateLimits().Allow(ctx, "ip:2", 2, 1000, 100)
	require.NoError(t, err)
	assert.True(t, allowed)

	removed, err := db.RateLimits().DeleteExpired(ctx, 3000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}

func TestNonces(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()

	fresh, err := db.Nonces().TryMark(ctx, "nonce:alice:n1", 1000)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = db.Nonces().TryMark(ctx, "nonce:alice:n1", 2000)
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = db.Nonces().TryMark(ctx, "nonce:alice:n2", 1000)
	require.NoError(t, err)
	assert.True(t, fresh)

	removed, err := db.Nonces().DeleteExpired(ctx, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}
