// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

type credentials struct{ db *DB }

func (repo *credentials) Create(ctx context.Context, cred rendezvous.Credential) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.exec(ctx, `
		INSERT INTO credentials (name, secret, created_at, expires_at, last_used)
		VALUES (?, ?, ?, ?, ?)`,
		cred.Name, cred.EncryptedSecret, cred.CreatedAt, cred.ExpiresAt, cred.LastUsed)
	if repo.db.dialect.isUniqueViolation(err) {
		return rendezvous.ErrNameTaken.New("%s", cred.Name)
	}
	return Error.Wrap(err)
}

func (repo *credentials) Get(ctx context.Context, name string, now int64) (_ *rendezvous.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var cred rendezvous.Credential
	err = repo.db.queryRow(ctx, `
		SELECT name, secret, created_at, expires_at, last_used FROM credentials
		WHERE name = ? AND expires_at > ?`, name, now).
		Scan(&cred.Name, &cred.EncryptedSecret, &cred.CreatedAt, &cred.ExpiresAt, &cred.LastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rendezvous.ErrNoCredential.New("%s", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &cred, nil
}

func (repo *credentials) Touch(ctx context.Context, name string, lastUsed, expiresAt int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.exec(ctx,
		`UPDATE credentials SET last_used = ?, expires_at = ? WHERE name = ?`,
		lastUsed, expiresAt, name)
	return Error.Wrap(err)
}

func (repo *credentials) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.queryRow(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&count)
	return count, Error.Wrap(err)
}

func (repo *credentials) DeleteExpired(ctx context.Context, now int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.exec(ctx, `DELETE FROM credentials WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err := result.RowsAffected()
	return removed, Error.Wrap(err)
}
