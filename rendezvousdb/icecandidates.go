// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/zeebo/errs"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

type icecandidates struct{ db *DB }

func (repo *icecandidates) Add(ctx context.Context, offerID, username string, role rendezvous.Role, candidates []json.RawMessage, base int64) (_ []rendezvous.IceCandidate, err error) {
	defer mon.Task()(&ctx)(&err)

	insert := repo.db.dialect.rebind(`
		INSERT INTO ice_candidates (offer_id, username, role, candidate, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	returning := insert + ` RETURNING id`

	out := make([]rendezvous.IceCandidate, 0, len(candidates))
	err = repo.db.withTx(ctx, func(tx *sql.Tx) error {
		for i, candidate := range candidates {
			row := rendezvous.IceCandidate{
				OfferID:   offerID,
				Username:  username,
				Role:      role,
				Candidate: candidate,
				CreatedAt: base + int64(i),
			}
			if repo.db.dialect == dialectPostgres {
				err := tx.QueryRowContext(ctx, returning,
					offerID, username, string(role), string(candidate), row.CreatedAt).Scan(&row.ID)
				if err != nil {
					return Error.Wrap(err)
				}
			} else {
				result, err := tx.ExecContext(ctx, insert,
					offerID, username, string(role), string(candidate), row.CreatedAt)
				if err != nil {
					return Error.Wrap(err)
				}
				row.ID, err = result.LastInsertId()
				if err != nil {
					return Error.Wrap(err)
				}
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (repo *icecandidates) ListByRole(ctx context.Context, offerID string, role rendezvous.Role, since int64) (_ []rendezvous.IceCandidate, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.query(ctx, `
		SELECT id, offer_id, username, role, candidate, created_at FROM ice_candidates
		WHERE offer_id = ? AND role = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC`, offerID, string(role), since)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	return scanCandidates(rows)
}

func (repo *icecandidates) ListForOffers(ctx context.Context, offerIDs []string, viewer string, since int64) (_ map[string][]rendezvous.IceCandidate, err error) {
	defer mon.Task()(&ctx)(&err)

	out := make(map[string][]rendezvous.IceCandidate)
	if len(offerIDs) == 0 {
		return out, nil
	}
	if len(offerIDs) > rendezvous.MaxOfferIDsPerQuery {
		return nil, Error.New("too many offer ids: %d", len(offerIDs))
	}

	args := make([]interface{}, 0, len(offerIDs)+2)
	for _, id := range offerIDs {
		args = append(args, id)
	}
	args = append(args, viewer, since)

	rows, err := repo.db.query(ctx, `
		SELECT id, offer_id, username, role, candidate, created_at FROM ice_candidates
		WHERE offer_id IN (`+placeholders(len(offerIDs))+`) AND username <> ? AND created_at > ?
		ORDER BY offer_id ASC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	list, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	for _, cand := range list {
		out[cand.OfferID] = append(out[cand.OfferID], cand)
	}
	return out, nil
}

func (repo *icecandidates) CountByOffer(ctx context.Context, offerID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.queryRow(ctx,
		`SELECT COUNT(*) FROM ice_candidates WHERE offer_id = ?`, offerID).Scan(&count)
	return count, Error.Wrap(err)
}

func (repo *icecandidates) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.queryRow(ctx, `SELECT COUNT(*) FROM ice_candidates`).Scan(&count)
	return count, Error.Wrap(err)
}

func scanCandidates(rows *sql.Rows) ([]rendezvous.IceCandidate, error) {
	var out []rendezvous.IceCandidate
	for rows.Next() {
		var cand rendezvous.IceCandidate
		var role, candidate string
		err := rows.Scan(&cand.ID, &cand.OfferID, &cand.Username, &role, &candidate, &cand.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		cand.Role = rendezvous.Role(role)
		cand.Candidate = json.RawMessage(candidate)
		out = append(out, cand)
	}
	return out, nil
}
