// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"database/sql"
	"errors"
)

type rateLimits struct{ db *DB }

// Allow consumes one token from the fixed window bucket for identifier.
// The row is locked for the duration of the decision so concurrent callers
// never over-admit.
func (repo *rateLimits) Allow(ctx context.Context, identifier string, limit int, windowMillis, now int64) (allowed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	verb, suffix := repo.db.dialect.insertIgnore()
	selectStmt := repo.db.dialect.rebind(
		`SELECT count, reset_time FROM rate_limits WHERE identifier = ?` + repo.db.dialect.forUpdate())
	insertStmt := repo.db.dialect.rebind(
		verb + ` rate_limits (identifier, count, reset_time) VALUES (?, 1, ?)` + suffix)
	updateStmt := repo.db.dialect.rebind(
		`UPDATE rate_limits SET count = ?, reset_time = ? WHERE identifier = ?`)

	err = repo.db.withTx(ctx, func(tx *sql.Tx) error {
		var count, resetTime int64
		err := tx.QueryRowContext(ctx, selectStmt, identifier).Scan(&count, &resetTime)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflicts must not raise here: a raised unique violation
			// would abort the postgres transaction and poison the
			// re-select below, so the insert is a dialect-level ignore
			// and the race is detected through the affected row count.
			result, err := tx.ExecContext(ctx, insertStmt, identifier, now+windowMillis)
			if err != nil {
				return Error.Wrap(err)
			}
			inserted, err := result.RowsAffected()
			if err != nil {
				return Error.Wrap(err)
			}
			if inserted > 0 {
				allowed = true
				return nil
			}
			// Lost the insert race; the other caller owns the first
			// token, count this one against the same window.
			if err := tx.QueryRowContext(ctx, selectStmt, identifier).Scan(&count, &resetTime); err != nil {
				return Error.Wrap(err)
			}
		} else if err != nil {
			return Error.Wrap(err)
		}

		if now >= resetTime {
			count, resetTime = 0, now+windowMillis
		}
		if count >= int64(limit) {
			allowed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, updateStmt, count+1, resetTime, identifier); err != nil {
			return Error.Wrap(err)
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (repo *rateLimits) DeleteExpired(ctx context.Context, now int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.exec(ctx, `DELETE FROM rate_limits WHERE reset_time <= ?`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err := result.RowsAffected()
	return removed, Error.Wrap(err)
}
