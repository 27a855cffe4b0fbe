// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rpcserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

var (
	mon = monkit.Package()

	// Error is the rpcserver error class.
	Error = errs.Class("rpcserver")
)

// Request is one element of an RPC batch.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the index-aligned reply to one Request.
type Response struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
}

// Dispatcher executes RPC batches. Requests within a batch run in order on
// one goroutine; concurrency exists between batches only, which keeps the
// operation budget and per-index error mapping simple.
type Dispatcher struct {
	log     *zap.Logger
	service *rendezvous.Service
	auth    *rendezvous.Authenticator
	store   rendezvous.DB
	config  rendezvous.Config
	now     func() int64
}

// NewDispatcher creates a Dispatcher. nowFn supplies epoch milliseconds and
// defaults to the wall clock when nil.
func NewDispatcher(log *zap.Logger, service *rendezvous.Service, auth *rendezvous.Authenticator, store rendezvous.DB, config rendezvous.Config, nowFn func() int64) (*Dispatcher, error) {
	if log == nil {
		return nil, errs.New("log can't be nil")
	}
	if service == nil {
		return nil, errs.New("service can't be nil")
	}
	if auth == nil {
		return nil, errs.New("auth can't be nil")
	}
	if store == nil {
		return nil, errs.New("store can't be nil")
	}
	if nowFn == nil {
		nowFn = rendezvous.NowMillis
	}
	return &Dispatcher{log: log, service: service, auth: auth, store: store, config: config, now: nowFn}, nil
}

// isPublic reports whether method runs without authentication.
func isPublic(method string) bool {
	return method == "generateCredentials" || method == "discover"
}

var authenticatedMethods = map[string]bool{
	"publishOffer":     true,
	"answerOffer":      true,
	"getOfferAnswer":   true,
	"addIceCandidates": true,
	"getIceCandidates": true,
	"poll":             true,
	"deleteOffer":      true,
}

// operations is a request's weight against the batch budget. publishOffer
// weighs its offers, addIceCandidates its candidates; everything else
// counts as one.
func operations(req Request) int {
	switch req.Method {
	case "publishOffer":
		var partial struct {
			Offers []json.RawMessage `json:"offers"`
		}
		if err := json.Unmarshal(req.Params, &partial); err == nil && len(partial.Offers) > 0 {
			return len(partial.Offers)
		}
	case "addIceCandidates":
		var partial struct {
			Candidates []json.RawMessage `json:"candidates"`
		}
		if err := json.Unmarshal(req.Params, &partial); err == nil && len(partial.Candidates) > 0 {
			return len(partial.Candidates)
		}
	}
	return 1
}

// broadcast fills every index with the same error, preserving alignment.
func broadcast(n int, code rendezvous.ErrorCode, message string) []Response {
	responses := make([]Response, n)
	for i := range responses {
		responses[i] = Response{Success: false, Error: message, ErrorCode: string(code)}
	}
	return responses
}

// Dispatch runs a full batch and returns the index-aligned responses. The
// budget is counted before anything executes: an oversized batch produces
// no state change at all.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []Request, hdr rendezvous.AuthHeaders, clientIP string) (_ []Response, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(batch) == 0 {
		return nil, rendezvous.CodedError(rendezvous.CodeInvalidParams, "batch must contain at least one request")
	}
	if len(batch) > d.config.MaxBatchSize {
		return nil, rendezvous.CodedError(rendezvous.CodeBatchTooLarge, "at most %d requests per batch", d.config.MaxBatchSize)
	}

	if clientIP != "" {
		allowed, err := d.store.RateLimits().Allow(ctx, "requests:ip:"+clientIP,
			d.config.RequestsPerIPPerSecond, rendezvous.RateLimitWindow, d.now())
		if err != nil {
			return nil, rendezvous.Error.Wrap(err)
		}
		if !allowed {
			return broadcast(len(batch), rendezvous.CodeRateLimitExceeded, "too many requests"), nil
		}
	}

	total := 0
	for _, req := range batch {
		total += operations(req)
	}
	if total > d.config.MaxTotalOperations {
		return broadcast(len(batch), rendezvous.CodeBatchTooLarge,
			"batch exceeds the cumulative operation budget"), nil
	}

	// One HTTP request carries one header set, so the signature can only
	// cover one method+params pair. The first authenticated request in the
	// batch is the one the client signed; its verified identity extends to
	// the rest of the batch.
	var identity *rendezvous.Credential
	var authErr error
	authDone := false

	responses := make([]Response, 0, len(batch))
	for _, req := range batch {
		responses = append(responses, d.dispatchOne(ctx, req, hdr, clientIP, &identity, &authErr, &authDone))
	}
	return responses, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req Request, hdr rendezvous.AuthHeaders, clientIP string, identity **rendezvous.Credential, authErr *error, authDone *bool) Response {
	if req.Method == "" {
		return d.failure(req.Method, rendezvous.CodedError(rendezvous.CodeMissingParams, "method is required"))
	}

	if isPublic(req.Method) {
		result, err := d.callPublic(ctx, req, hdr, clientIP)
		if err != nil {
			return d.failure(req.Method, err)
		}
		return Response{Success: true, Result: result}
	}

	// Method lookup precedes the auth gate so probing an unknown method
	// never reads as a credential problem.
	if !authenticatedMethods[req.Method] {
		return d.failure(req.Method, rendezvous.CodedError(rendezvous.CodeUnknownMethod, "unknown method %q", req.Method))
	}

	if !*authDone {
		*identity, *authErr = d.auth.Verify(ctx, hdr, req.Method, req.Params)
		*authDone = true
	}
	if *authErr != nil {
		return d.failure(req.Method, *authErr)
	}

	result, err := d.callAuthenticated(ctx, req, (*identity).Name)
	if err != nil {
		return d.failure(req.Method, err)
	}
	return Response{Success: true, Result: result}
}

func (d *Dispatcher) callPublic(ctx context.Context, req Request, hdr rendezvous.AuthHeaders, clientIP string) (interface{}, error) {
	switch req.Method {
	case "generateCredentials":
		var params rendezvous.GenerateCredentialsRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.GenerateCredentials(ctx, clientIP, params)

	case "discover":
		var params rendezvous.DiscoverRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		// Discovery does not authenticate, but a provided name still
		// serves as a self-exclusion hint.
		selfName := strings.ToLower(hdr.Name)
		if params.Limit != nil {
			offset := 0
			if params.Offset != nil {
				offset = *params.Offset
			}
			return d.service.DiscoverPage(ctx, selfName, params.Tags, *params.Limit, offset)
		}
		return d.service.DiscoverRandom(ctx, selfName, params.Tags)

	default:
		return nil, rendezvous.CodedError(rendezvous.CodeUnknownMethod, "unknown method %q", req.Method)
	}
}

func (d *Dispatcher) callAuthenticated(ctx context.Context, req Request, username string) (interface{}, error) {
	switch req.Method {
	case "publishOffer":
		var params rendezvous.PublishOfferRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.PublishOffer(ctx, username, params)

	case "answerOffer":
		var params rendezvous.AnswerOfferRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.AnswerOffer(ctx, username, params)

	case "getOfferAnswer":
		var params rendezvous.GetOfferAnswerRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.GetOfferAnswer(ctx, username, params)

	case "addIceCandidates":
		var params rendezvous.AddIceCandidatesRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.AddIceCandidates(ctx, username, params)

	case "getIceCandidates":
		var params rendezvous.GetIceCandidatesRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.GetIceCandidates(ctx, username, params)

	case "poll":
		var params rendezvous.PollRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.Poll(ctx, username, params)

	case "deleteOffer":
		var params rendezvous.DeleteOfferRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return d.service.DeleteOffer(ctx, username, params)

	default:
		return nil, rendezvous.CodedError(rendezvous.CodeUnknownMethod, "unknown method %q", req.Method)
	}
}

// decodeParams unmarshals raw params into the method's typed record. Absent
// params decode as the zero record so that handlers report which fields are
// missing.
func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return rendezvous.CodedError(rendezvous.CodeInvalidParams, "malformed params")
	}
	return nil
}

// failure maps err to a wire response. Errors without a code are internal:
// the detail goes to the log, a generic message to the client.
func (d *Dispatcher) failure(method string, err error) Response {
	code := rendezvous.CodeOf(err)
	message := err.Error()
	if code == rendezvous.CodeInternal {
		d.log.Error("request failed", zap.String("method", method), zap.Error(err))
		message = "internal error"
	}
	return Response{Success: false, Error: message, ErrorCode: string(code)}
}
