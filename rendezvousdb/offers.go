// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/zeebo/errs"

	"github.com/xtr-dev/rondevu-server/rendezvous"
)

type offers struct{ db *DB }

const offerColumns = `id, username, tags, sdp, created_at, expires_at, last_seen, answerer_username, answer_sdp, answered_at, matched_tags`

func (repo *offers) Create(ctx context.Context, batch []rendezvous.Offer) (err error) {
	defer mon.Task()(&ctx)(&err)

	verb, suffix := repo.db.dialect.insertIgnore()
	offerStmt := repo.db.dialect.rebind(verb + ` offers (` + offerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL)` + suffix)
	tagStmt := repo.db.dialect.rebind(verb + ` offer_tags (offer_id, tag) VALUES (?, ?)` + suffix)

	return repo.db.withTx(ctx, func(tx *sql.Tx) error {
		for i := range batch {
			offer := &batch[i]
			tags, err := json.Marshal(offer.Tags)
			if err != nil {
				return Error.Wrap(err)
			}
			_, err = tx.ExecContext(ctx, offerStmt,
				offer.ID, offer.Username, string(tags), offer.SDP,
				offer.CreatedAt, offer.ExpiresAt, offer.LastSeen)
			if err != nil {
				return Error.Wrap(err)
			}
			for _, tag := range offer.Tags {
				if _, err := tx.ExecContext(ctx, tagStmt, offer.ID, tag); err != nil {
					return Error.Wrap(err)
				}
			}
		}
		return nil
	})
}

func (repo *offers) Get(ctx context.Context, id string, now int64) (_ *rendezvous.Offer, err error) {
	defer mon.Task()(&ctx)(&err)

	row := repo.db.queryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = ? AND expires_at > ?`, id, now)
	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rendezvous.ErrNoOffer.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return offer, nil
}

func (repo *offers) Delete(ctx context.Context, id, owner string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.exec(ctx, `DELETE FROM offers WHERE id = ? AND username = ?`, id, owner)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

func (repo *offers) Answer(ctx context.Context, req rendezvous.AnswerRequest) (_ rendezvous.AnswerResult, err error) {
	defer mon.Task()(&ctx)(&err)

	matchedTags := sql.NullString{}
	if len(req.MatchedTags) > 0 {
		encoded, err := json.Marshal(req.MatchedTags)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		matchedTags = sql.NullString{String: string(encoded), Valid: true}
	}

	// The single-winner guarantee lives in this statement: the answerer
	// column is set only where it is still NULL.
	result, err := repo.db.exec(ctx, `
		UPDATE offers
		SET answerer_username = ?, answer_sdp = ?, answered_at = ?, matched_tags = ?,
			expires_at = CASE WHEN ? > expires_at THEN ? ELSE expires_at END
		WHERE id = ? AND answerer_username IS NULL AND expires_at > ?`,
		req.Answerer, req.SDP, req.AnsweredAt, matchedTags,
		req.NewExpiresAt, req.NewExpiresAt,
		req.OfferID, req.Now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if affected > 0 {
		return rendezvous.AnswerAccepted, nil
	}

	var answerer sql.NullString
	err = repo.db.queryRow(ctx,
		`SELECT answerer_username FROM offers WHERE id = ? AND expires_at > ?`,
		req.OfferID, req.Now).Scan(&answerer)
	if errors.Is(err, sql.ErrNoRows) {
		return rendezvous.AnswerOfferGone, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if answerer.Valid {
		return rendezvous.AnswerAlreadyTaken, nil
	}
	return rendezvous.AnswerOfferGone, nil
}

func (repo *offers) Discover(ctx context.Context, tags []string, exclude string, limit, offset int, now int64) (_ []rendezvous.Offer, err error) {
	defer mon.Task()(&ctx)(&err)

	query, args := repo.discoverQuery(tags, exclude, now)
	query += ` ORDER BY o.created_at DESC, o.id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := repo.db.query(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	var out []rendezvous.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, *offer)
	}
	return out, nil
}

func (repo *offers) Random(ctx context.Context, tags []string, exclude string, now int64) (_ *rendezvous.Offer, err error) {
	defer mon.Task()(&ctx)(&err)

	query, args := repo.discoverQuery(tags, exclude, now)
	query += ` ORDER BY ` + repo.db.dialect.random() + ` LIMIT 1`

	row := repo.db.queryRow(ctx, query, args...)
	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rendezvous.ErrNoOffer.New("no match")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return offer, nil
}

// discoverQuery builds the shared open-offer filter. The columns are
// prefixed so callers can append ordering over the o alias.
func (repo *offers) discoverQuery(tags []string, exclude string, now int64) (string, []interface{}) {
	prefixed := "o." + strings.ReplaceAll(offerColumns, ", ", ", o.")
	query := `SELECT ` + prefixed + ` FROM offers o
		WHERE o.expires_at > ? AND o.answerer_username IS NULL AND o.username <> ?
		AND EXISTS (SELECT 1 FROM offer_tags t WHERE t.offer_id = o.id AND t.tag IN (` + placeholders(len(tags)) + `))`
	args := make([]interface{}, 0, len(tags)+2)
	args = append(args, now, exclude)
	for _, tag := range tags {
		args = append(args, tag)
	}
	return query, args
}

func (repo *offers) AnsweredSince(ctx context.Context, owner string, since, now int64) (_ []rendezvous.Offer, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE username = ? AND answerer_username IS NOT NULL AND answered_at > ? AND expires_at > ?
		ORDER BY answered_at ASC, id ASC`, owner, since, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	var out []rendezvous.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, *offer)
	}
	return out, nil
}

func (repo *offers) IDsByParticipant(ctx context.Context, username string, now int64) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.query(ctx, `
		SELECT id FROM offers
		WHERE expires_at > ? AND (username = ? OR answerer_username = ?)
		ORDER BY id ASC`, now, username, username)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, rows.Err(), rows.Close())) }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (repo *offers) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.queryRow(ctx, `SELECT COUNT(*) FROM offers`).Scan(&count)
	return count, Error.Wrap(err)
}

func (repo *offers) CountByUsername(ctx context.Context, username string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.queryRow(ctx, `SELECT COUNT(*) FROM offers WHERE username = ?`, username).Scan(&count)
	return count, Error.Wrap(err)
}

func (repo *offers) DeleteExpired(ctx context.Context, now int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.exec(ctx, `DELETE FROM offers WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err := result.RowsAffected()
	return removed, Error.Wrap(err)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row scanner) (*rendezvous.Offer, error) {
	var offer rendezvous.Offer
	var tags string
	var answerer, answerSDP, matchedTags sql.NullString
	var answeredAt sql.NullInt64

	err := row.Scan(&offer.ID, &offer.Username, &tags, &offer.SDP,
		&offer.CreatedAt, &offer.ExpiresAt, &offer.LastSeen,
		&answerer, &answerSDP, &answeredAt, &matchedTags)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &offer.Tags); err != nil {
		return nil, Error.Wrap(err)
	}
	offer.AnswererUsername = answerer.String
	offer.AnswerSDP = answerSDP.String
	offer.AnsweredAt = answeredAt.Int64
	if matchedTags.Valid {
		if err := json.Unmarshal([]byte(matchedTags.String), &offer.MatchedTags); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return &offer, nil
}

// placeholders renders n comma separated ? marks.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
