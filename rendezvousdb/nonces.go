// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
)

type nonces struct{ db *DB }

// TryMark records the nonce key, reporting false if it was already burned.
func (repo *nonces) TryMark(ctx context.Context, key string, expiresAt int64) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.exec(ctx,
		`INSERT INTO nonces (nonce_key, expires_at) VALUES (?, ?)`, key, expiresAt)
	if repo.db.dialect.isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

func (repo *nonces) DeleteExpired(ctx context.Context, now int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.exec(ctx, `DELETE FROM nonces WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err := result.RowsAffected()
	return removed, Error.Wrap(err)
}
