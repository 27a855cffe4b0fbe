// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"errors"

	"github.com/zeebo/errs"
)

// Error is the default rendezvous error class.
var Error = errs.Class("rendezvous")

// Storage sentinel classes. Backends report conditions through these so the
// service can translate them into wire codes.
var (
	// ErrNoOffer means the offer does not exist or has expired.
	ErrNoOffer = errs.Class("offer not found")
	// ErrNoCredential means the credential does not exist or has expired.
	ErrNoCredential = errs.Class("credential not found")
	// ErrNameTaken means a credential with the same name already exists.
	ErrNameTaken = errs.Class("name taken")
)

// ErrorCode is a stable string identifier carried in RPC error responses.
type ErrorCode string

const (
	CodeAuthRequired       ErrorCode = "AUTH_REQUIRED"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"

	CodeInvalidName   ErrorCode = "INVALID_NAME"
	CodeInvalidTag    ErrorCode = "INVALID_TAG"
	CodeInvalidSDP    ErrorCode = "INVALID_SDP"
	CodeInvalidParams ErrorCode = "INVALID_PARAMS"
	CodeMissingParams ErrorCode = "MISSING_PARAMS"

	CodeOfferNotFound       ErrorCode = "OFFER_NOT_FOUND"
	CodeOfferAlreadyTaken   ErrorCode = "OFFER_ALREADY_ANSWERED"
	CodeOfferNotAnswered    ErrorCode = "OFFER_NOT_ANSWERED"
	CodeNoAvailableOffers   ErrorCode = "NO_AVAILABLE_OFFERS"
	CodeNotAuthorized       ErrorCode = "NOT_AUTHORIZED"
	CodeOwnershipMismatch   ErrorCode = "OWNERSHIP_MISMATCH"
	CodeTooManyOffers       ErrorCode = "TOO_MANY_OFFERS"
	CodeSDPTooLarge         ErrorCode = "SDP_TOO_LARGE"
	CodeBatchTooLarge       ErrorCode = "BATCH_TOO_LARGE"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeTooManyOffersByUser ErrorCode = "TOO_MANY_OFFERS_PER_USER"
	CodeStorageFull         ErrorCode = "STORAGE_FULL"
	CodeTooManyCandidates   ErrorCode = "TOO_MANY_ICE_CANDIDATES"

	CodeInternal      ErrorCode = "INTERNAL_ERROR"
	CodeUnknownMethod ErrorCode = "UNKNOWN_METHOD"
)

// codedError attaches a wire code to an underlying error.
type codedError struct {
	code  ErrorCode
	cause error
}

func (e *codedError) Error() string { return e.cause.Error() }
func (e *codedError) Unwrap() error { return e.cause }

// WithCode wraps err with the given wire code. A nil err stays nil.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, cause: err}
}

// CodedError creates a new error carrying the given wire code.
func CodedError(code ErrorCode, format string, args ...interface{}) error {
	return &codedError{code: code, cause: errs.New(format, args...)}
}

// CodeOf extracts the wire code from err. Errors without an explicit code
// are internal: their detail must not leak to clients.
func CodeOf(err error) ErrorCode {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return CodeInternal
}
