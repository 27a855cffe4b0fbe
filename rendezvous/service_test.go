// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xtr-dev/rondevu-server/rendezvous"
	"github.com/xtr-dev/rondevu-server/rendezvous/rendezvousauth"
	"github.com/xtr-dev/rondevu-server/rendezvousdb/memorydb"
)

type testClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *testClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(millis int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += millis
}

func testConfig() rendezvous.Config {
	return rendezvous.Config{
		Environment:               "development",
		OfferDefaultTTL:           300000,
		OfferMinTTL:               60000,
		OfferMaxTTL:               3600000,
		MaxOffersPerRequest:       100,
		MaxBatchSize:              100,
		MaxTotalOperations:        1000,
		MaxSDPSize:                65536,
		MaxCandidateSize:          8192,
		MaxCandidateDepth:         5,
		MaxCandidatesPerRequest:   50,
		TimestampMaxAge:           60000,
		TimestampMaxFuture:        60000,
		MaxOffersPerUser:          100,
		MaxTotalOffers:            10000,
		MaxTotalCredentials:       100000,
		MaxIceCandidatesPerOffer:  100,
		CredentialsPerIPPerSecond: 5,
		RequestsPerIPPerSecond:    50,
	}
}

func newTestService(t *testing.T, config rendezvous.Config) (*rendezvous.Service, *memorydb.DB, *testClock) {
	t.Helper()
	clock := &testClock{now: 1700000000000}
	db := memorydb.New()
	encryptor, err := rendezvousauth.NewEncryptor(rendezvousauth.DevelopmentKey)
	require.NoError(t, err)
	service, err := rendezvous.NewService(zaptest.NewLogger(t), db, encryptor, config, clock.Now)
	require.NoError(t, err)
	return service, db, clock
}

func publish(t *testing.T, service *rendezvous.Service, username string, tags []string, sdps ...string) *rendezvous.PublishOfferResponse {
	t.Helper()
	offers := make([]rendezvous.OfferPayload, 0, len(sdps))
	for _, sdp := range sdps {
		offers = append(offers, rendezvous.OfferPayload{SDP: sdp})
	}
	resp, err := service.PublishOffer(context.Background(), username, rendezvous.PublishOfferRequest{
		Tags:   tags,
		Offers: offers,
	})
	require.NoError(t, err)
	return resp
}

func TestPublishOffer(t *testing.T) {
	ctx := context.Background()
	service, db, clock := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat", "chat", "games"}, "v=0\r\no=A")
	require.Len(t, resp.Offers, 1)
	assert.Equal(t, rendezvous.OfferID("v=0\r\no=A"), resp.Offers[0].OfferID)
	assert.Equal(t, []string{"chat", "games"}, resp.Tags)
	assert.Equal(t, clock.Now(), resp.CreatedAt)
	assert.Equal(t, clock.Now()+300000, resp.ExpiresAt)

	count, err := db.Offers().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPublishOfferIdempotentSDP(t *testing.T) {
	ctx := context.Background()
	service, db, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "same-sdp", "same-sdp")
	require.Len(t, resp.Offers, 2)
	assert.Equal(t, resp.Offers[0].OfferID, resp.Offers[1].OfferID)

	count, err := db.Offers().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPublishOfferTTLClamp(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	resp, err := service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{
		Tags:   []string{"chat"},
		Offers: []rendezvous.OfferPayload{{SDP: "short"}},
		TTL:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+60000, resp.ExpiresAt)

	resp, err = service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{
		Tags:   []string{"chat"},
		Offers: []rendezvous.OfferPayload{{SDP: "long"}},
		TTL:    1 << 40,
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+3600000, resp.ExpiresAt)
}

func TestPublishOfferRejections(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.MaxOffersPerRequest = 2
	service, _, _ := newTestService(t, config)

	_, err := service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{Tags: []string{"chat"}})
	assert.Equal(t, rendezvous.CodeMissingParams, rendezvous.CodeOf(err))

	_, err = service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{
		Offers: []rendezvous.OfferPayload{{SDP: "x"}},
	})
	assert.Equal(t, rendezvous.CodeInvalidTag, rendezvous.CodeOf(err))

	_, err = service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{
		Tags:   []string{"chat"},
		Offers: []rendezvous.OfferPayload{{SDP: "a"}, {SDP: "b"}, {SDP: "c"}},
	})
	assert.Equal(t, rendezvous.CodeTooManyOffers, rendezvous.CodeOf(err))
}

func TestPublishOfferCaps(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.MaxOffersPerUser = 2
	config.MaxTotalOffers = 3
	service, _, _ := newTestService(t, config)

	publish(t, service, "alice", []string{"chat"}, "a1", "a2")

	_, err := service.PublishOffer(ctx, "alice", rendezvous.PublishOfferRequest{
		Tags:   []string{"chat"},
		Offers: []rendezvous.OfferPayload{{SDP: "a3"}},
	})
	assert.Equal(t, rendezvous.CodeTooManyOffersByUser, rendezvous.CodeOf(err))

	_, err = service.PublishOffer(ctx, "bob", rendezvous.PublishOfferRequest{
		Tags:   []string{"chat"},
		Offers: []rendezvous.OfferPayload{{SDP: "b1"}, {SDP: "b2"}},
	})
	assert.Equal(t, rendezvous.CodeStorageFull, rendezvous.CodeOf(err))
}

func TestDiscoverPage(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	publish(t, service, "alice", []string{"chat"}, "older")
	clock.Advance(10)
	publish(t, service, "bob", []string{"chat", "games"}, "newer")

	resp, err := service.DiscoverPage(ctx, "", []string{"chat"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "newer", resp.Offers[0].SDP)
	assert.Equal(t, "older", resp.Offers[1].SDP)

	// tag matching is ANY-of
	resp, err = service.DiscoverPage(ctx, "", []string{"games", "missing"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "bob", resp.Offers[0].Username)

	// self exclusion
	resp, err = service.DiscoverPage(ctx, "bob", []string{"chat"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "alice", resp.Offers[0].Username)

	// pagination
	resp, err = service.DiscoverPage(ctx, "", []string{"chat"}, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "older", resp.Offers[0].SDP)

	_, err = service.DiscoverPage(ctx, "", []string{"chat"}, 0, 0)
	assert.Equal(t, rendezvous.CodeInvalidParams, rendezvous.CodeOf(err))
	_, err = service.DiscoverPage(ctx, "", []string{"chat"}, 10, -1)
	assert.Equal(t, rendezvous.CodeInvalidParams, rendezvous.CodeOf(err))
}

func TestDiscoverRandom(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	publish(t, service, "alice", []string{"chat"}, "only")

	summary, err := service.DiscoverRandom(ctx, "", []string{"chat"})
	require.NoError(t, err)
	assert.Equal(t, "only", summary.SDP)

	_, err = service.DiscoverRandom(ctx, "", []string{"missing"})
	assert.Equal(t, rendezvous.CodeOfferNotFound, rendezvous.CodeOf(err))

	_, err = service.DiscoverRandom(ctx, "alice", []string{"chat"})
	assert.Equal(t, rendezvous.CodeOfferNotFound, rendezvous.CodeOf(err))
}

func TestAnswerOffer(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	answer, err := service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{
		OfferID:     offerID,
		SDP:         "v=0\r\no=B",
		MatchedTags: []string{"chat"},
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), answer.AnsweredAt)

	// a second answer is rejected, late or racing alike
	_, err = service.AnswerOffer(ctx, "carol", rendezvous.AnswerOfferRequest{OfferID: offerID, SDP: "v=0\r\no=C"})
	assert.Equal(t, rendezvous.CodeOfferAlreadyTaken, rendezvous.CodeOf(err))

	_, err = service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{OfferID: "missing", SDP: "x"})
	assert.Equal(t, rendezvous.CodeOfferNotFound, rendezvous.CodeOf(err))
}

func TestAnswerOfferMatchedTags(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")

	_, err := service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{
		OfferID:     resp.Offers[0].OfferID,
		SDP:         "v=0\r\no=B",
		MatchedTags: []string{"chat", "games"},
	})
	require.Error(t, err)
	assert.Equal(t, rendezvous.CodeInvalidTag, rendezvous.CodeOf(err))
	assert.Contains(t, err.Error(), "games")
}

func TestAnswerOfferConcurrent(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	const answerers = 16
	errors := make([]error, answerers)
	var wg sync.WaitGroup
	for i := 0; i < answerers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errors[i] = service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{
				OfferID: offerID,
				SDP:     "v=0\r\no=B",
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errors {
		if err == nil {
			winners++
			continue
		}
		assert.Equal(t, rendezvous.CodeOfferAlreadyTaken, rendezvous.CodeOf(err))
	}
	assert.Equal(t, 1, winners)
}

func TestGetOfferAnswer(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	_, err := service.GetOfferAnswer(ctx, "alice", rendezvous.GetOfferAnswerRequest{OfferID: offerID})
	assert.Equal(t, rendezvous.CodeOfferNotAnswered, rendezvous.CodeOf(err))

	_, err = service.GetOfferAnswer(ctx, "bob", rendezvous.GetOfferAnswerRequest{OfferID: offerID})
	assert.Equal(t, rendezvous.CodeNotAuthorized, rendezvous.CodeOf(err))

	_, err = service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{
		OfferID: offerID, SDP: "v=0\r\no=B", MatchedTags: []string{"chat"},
	})
	require.NoError(t, err)

	got, err := service.GetOfferAnswer(ctx, "alice", rendezvous.GetOfferAnswerRequest{OfferID: offerID})
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\no=B", got.SDP)
	assert.Equal(t, "bob", got.AnswererUsername)
	assert.Equal(t, []string{"chat"}, got.MatchedTags)
}

func TestIceCandidates(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	added, err := service.AddIceCandidates(ctx, "alice", rendezvous.AddIceCandidatesRequest{
		OfferID:    offerID,
		Candidates: []json.RawMessage{json.RawMessage(`{"c":1}`), json.RawMessage(`{"c":2}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.RoleOfferer, added.Role)
	assert.Equal(t, 2, added.Added)

	added, err = service.AddIceCandidates(ctx, "bob", rendezvous.AddIceCandidatesRequest{
		OfferID:    offerID,
		Candidates: []json.RawMessage{json.RawMessage(`{"c":3}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.RoleAnswerer, added.Role)

	_, err = service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{OfferID: offerID, SDP: "v=0\r\no=B"})
	require.NoError(t, err)

	// each side sees only the opposite role
	got, err := service.GetIceCandidates(ctx, "alice", rendezvous.GetIceCandidatesRequest{OfferID: offerID})
	require.NoError(t, err)
	require.Len(t, got.Candidates, 1)
	assert.Equal(t, rendezvous.RoleAnswerer, got.Candidates[0].Role)

	got, err = service.GetIceCandidates(ctx, "bob", rendezvous.GetIceCandidatesRequest{OfferID: offerID})
	require.NoError(t, err)
	require.Len(t, got.Candidates, 2)
	assert.Less(t, got.Candidates[0].CreatedAt, got.Candidates[1].CreatedAt)

	// since cursor trims already seen candidates
	got, err = service.GetIceCandidates(ctx, "bob", rendezvous.GetIceCandidatesRequest{
		OfferID: offerID,
		Since:   got.Candidates[0].CreatedAt,
	})
	require.NoError(t, err)
	require.Len(t, got.Candidates, 1)

	_, err = service.GetIceCandidates(ctx, "mallory", rendezvous.GetIceCandidatesRequest{OfferID: offerID})
	assert.Equal(t, rendezvous.CodeNotAuthorized, rendezvous.CodeOf(err))
}

func TestIceCandidateCap(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.MaxIceCandidatesPerOffer = 2
	service, _, _ := newTestService(t, config)

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	_, err := service.AddIceCandidates(ctx, "alice", rendezvous.AddIceCandidatesRequest{
		OfferID:    offerID,
		Candidates: []json.RawMessage{json.RawMessage(`{"c":1}`), json.RawMessage(`{"c":2}`)},
	})
	require.NoError(t, err)

	_, err = service.AddIceCandidates(ctx, "alice", rendezvous.AddIceCandidatesRequest{
		OfferID:    offerID,
		Candidates: []json.RawMessage{json.RawMessage(`{"c":3}`)},
	})
	assert.Equal(t, rendezvous.CodeTooManyCandidates, rendezvous.CodeOf(err))
}

func TestPoll(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	since := clock.Now() - 1
	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	_, err := service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{OfferID: offerID, SDP: "v=0\r\no=B"})
	require.NoError(t, err)
	_, err = service.AddIceCandidates(ctx, "bob", rendezvous.AddIceCandidatesRequest{
		OfferID:    offerID,
		Candidates: []json.RawMessage{json.RawMessage(`{"c":1}`)},
	})
	require.NoError(t, err)

	polled, err := service.Poll(ctx, "alice", rendezvous.PollRequest{Since: since})
	require.NoError(t, err)
	require.Len(t, polled.Answers, 1)
	assert.Equal(t, "v=0\r\no=B", polled.Answers[0].SDP)
	require.Len(t, polled.IceCandidates[offerID], 1)

	// the answerer gets no answer notice and none of its own candidates
	polled, err = service.Poll(ctx, "bob", rendezvous.PollRequest{Since: since})
	require.NoError(t, err)
	assert.Empty(t, polled.Answers)
	assert.Empty(t, polled.IceCandidates[offerID])
}

func TestDeleteOffer(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	_, err := service.DeleteOffer(ctx, "bob", rendezvous.DeleteOfferRequest{OfferID: offerID})
	assert.Equal(t, rendezvous.CodeNotAuthorized, rendezvous.CodeOf(err))

	deleted, err := service.DeleteOffer(ctx, "alice", rendezvous.DeleteOfferRequest{OfferID: offerID})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = service.DeleteOffer(ctx, "alice", rendezvous.DeleteOfferRequest{OfferID: offerID})
	assert.Equal(t, rendezvous.CodeOfferNotFound, rendezvous.CodeOf(err))
}

func TestOfferExpiry(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	resp := publish(t, service, "alice", []string{"chat"}, "v=0\r\no=A")
	offerID := resp.Offers[0].OfferID

	clock.Advance(300001)

	_, err := service.AnswerOffer(ctx, "bob", rendezvous.AnswerOfferRequest{OfferID: offerID, SDP: "x"})
	assert.Equal(t, rendezvous.CodeOfferNotFound, rendezvous.CodeOf(err))

	page, err := service.DiscoverPage(ctx, "", []string{"chat"}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Count)
}

func TestGenerateCredentials(t *testing.T) {
	ctx := context.Background()
	service, db, clock := newTestService(t, testConfig())

	resp, err := service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Secret, 64)
	assert.GreaterOrEqual(t, len(resp.Name), 6)
	assert.Equal(t, clock.Now()+rendezvous.CredentialTTL, resp.ExpiresAt)

	// the stored secret is encrypted, never the plaintext
	stored, err := db.Credentials().Get(ctx, resp.Name, clock.Now())
	require.NoError(t, err)
	assert.NotEqual(t, resp.Secret, stored.EncryptedSecret)

	named, err := service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", named.Name)

	_, err = service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{Name: "ALICE"})
	assert.Equal(t, rendezvous.CodeInvalidName, rendezvous.CodeOf(err))

	_, err = service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{Name: "x"})
	assert.Equal(t, rendezvous.CodeInvalidName, rendezvous.CodeOf(err))
}

func TestGenerateCredentialsExpiry(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	resp, err := service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{
		ExpiresAt: clock.Now() + 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+1000, resp.ExpiresAt)

	_, err = service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{
		ExpiresAt: clock.Now() - rendezvous.ExpiresAtPastTolerance - 1,
	})
	assert.Equal(t, rendezvous.CodeInvalidParams, rendezvous.CodeOf(err))

	_, err = service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{
		ExpiresAt: clock.Now() + rendezvous.MaxCredentialExpiry + 1,
	})
	assert.Equal(t, rendezvous.CodeInvalidParams, rendezvous.CodeOf(err))
}

func TestGenerateCredentialsRateLimit(t *testing.T) {
	ctx := context.Background()
	service, _, clock := newTestService(t, testConfig())

	for i := 0; i < 5; i++ {
		_, err := service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{})
		require.NoError(t, err)
	}
	_, err := service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{})
	assert.Equal(t, rendezvous.CodeRateLimitExceeded, rendezvous.CodeOf(err))

	// other addresses have their own bucket
	_, err = service.GenerateCredentials(ctx, "192.0.2.2", rendezvous.GenerateCredentialsRequest{})
	require.NoError(t, err)

	// unknown addresses share the tight global bucket
	for i := 0; i < rendezvous.GlobalCredentialBucketLimit; i++ {
		_, err = service.GenerateCredentials(ctx, "", rendezvous.GenerateCredentialsRequest{})
		require.NoError(t, err)
	}
	_, err = service.GenerateCredentials(ctx, "", rendezvous.GenerateCredentialsRequest{})
	assert.Equal(t, rendezvous.CodeRateLimitExceeded, rendezvous.CodeOf(err))

	// the window reopens after a second
	clock.Advance(rendezvous.RateLimitWindow)
	_, err = service.GenerateCredentials(ctx, "192.0.2.1", rendezvous.GenerateCredentialsRequest{})
	require.NoError(t, err)
}
