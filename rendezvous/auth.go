// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xtr-dev/rondevu-server/rendezvous/rendezvousauth"
)

// maxNonceLength bounds the client-supplied nonce. The nonce is embedded in
// a storage key whose mysql column holds 191 characters; together with the
// "nonce:" prefix and a 32 character name the key must stay within that. A
// UUIDv4 is 36 characters, so the cap is generous.
const maxNonceLength = 128

// AuthHeaders carries the raw authentication header values of a request.
type AuthHeaders struct {
	Name      string
	Timestamp string
	Nonce     string
	Signature string
}

// Provided reports whether the client attempted authentication at all.
func (hdr AuthHeaders) Provided() bool {
	return hdr.Name != "" || hdr.Timestamp != "" || hdr.Nonce != "" || hdr.Signature != ""
}

// Authenticator verifies authenticated requests. Every failure between the
// timestamp check and the nonce burn surfaces as INVALID_CREDENTIALS so
// that unknown names, wrong secrets, stale timestamps and replays stay
// indistinguishable to a probing client.
type Authenticator struct {
	log       *zap.Logger
	db        DB
	encryptor *rendezvousauth.Encryptor
	config    Config
	now       func() int64
}

// NewAuthenticator creates an Authenticator. nowFn supplies epoch
// milliseconds and defaults to the wall clock when nil.
func NewAuthenticator(log *zap.Logger, db DB, encryptor *rendezvousauth.Encryptor, config Config, nowFn func() int64) *Authenticator {
	if nowFn == nil {
		nowFn = NowMillis
	}
	return &Authenticator{log: log, db: db, encryptor: encryptor, config: config, now: nowFn}
}

// Verify runs the authentication sequence for one request. The order is
// load-bearing: the nonce is burned only after the signature verifies, so
// an attacker without the secret cannot exhaust a legitimate client's
// nonces.
func (auth *Authenticator) Verify(ctx context.Context, hdr AuthHeaders, method string, params []byte) (_ *Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	if hdr.Name == "" || hdr.Timestamp == "" || hdr.Nonce == "" || hdr.Signature == "" {
		return nil, CodedError(CodeAuthRequired, "authentication headers are required")
	}
	if len(hdr.Nonce) > maxNonceLength {
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}

	now := auth.now()

	ts, err := strconv.ParseInt(hdr.Timestamp, 10, 64)
	if err != nil {
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}
	if now-ts > auth.config.TimestampMaxAge || ts-now > auth.config.TimestampMaxFuture {
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}

	name := strings.ToLower(hdr.Name)
	credential, err := auth.db.Credentials().Get(ctx, name, now)
	if err != nil {
		if ErrNoCredential.Has(err) {
			return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
		}
		return nil, Error.Wrap(err)
	}

	secret, err := auth.encryptor.Decrypt(credential.EncryptedSecret)
	if err != nil {
		// Fail closed: an undecryptable secret behaves like a missing credential.
		auth.log.Warn("credential secret failed to decrypt", zap.String("name", name))
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}

	message := rendezvousauth.CanonicalMessage(ts, hdr.Nonce, method, params)
	if !rendezvousauth.Verify([]byte(secret), message, hdr.Signature) {
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}

	nonceKey := "nonce:" + name + ":" + hdr.Nonce
	fresh, err := auth.db.Nonces().TryMark(ctx, nonceKey, ts+auth.config.TimestampMaxAge)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !fresh {
		return nil, CodedError(CodeInvalidCredentials, "invalid credentials")
	}

	credential.LastUsed = now
	credential.ExpiresAt = now + CredentialTTL
	if err := auth.db.Credentials().Touch(ctx, name, credential.LastUsed, credential.ExpiresAt); err != nil {
		return nil, Error.Wrap(err)
	}

	return credential, nil
}
