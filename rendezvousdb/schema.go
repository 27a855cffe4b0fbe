// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"strings"
)

// schemaTemplate is the dialect-agnostic schema. Type tokens in braces are
// substituted per dialect; mysql needs bounded key columns, the others map
// everything to TEXT.
var schemaTemplate = []string{
	`CREATE TABLE IF NOT EXISTS offers (
		id {OFFER_ID} NOT NULL,
		username {NAME} NOT NULL,
		tags {BLOB} NOT NULL,
		sdp {BLOB} NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		answerer_username {NAME},
		answer_sdp {BLOB},
		answered_at BIGINT,
		matched_tags {BLOB},
		PRIMARY KEY (id)
	)`,
	`CREATE INDEX IF NOT EXISTS offers_username_index ON offers (username)`,
	`CREATE INDEX IF NOT EXISTS offers_expires_at_index ON offers (expires_at)`,
	`CREATE INDEX IF NOT EXISTS offers_answerer_index ON offers (answerer_username)`,

	`CREATE TABLE IF NOT EXISTS offer_tags (
		offer_id {OFFER_ID} NOT NULL,
		tag {TAG} NOT NULL,
		PRIMARY KEY (offer_id, tag),
		FOREIGN KEY (offer_id) REFERENCES offers (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS offer_tags_tag_index ON offer_tags (tag)`,

	`CREATE TABLE IF NOT EXISTS ice_candidates (
		id {AUTO_ID},
		offer_id {OFFER_ID} NOT NULL,
		username {NAME} NOT NULL,
		role {ROLE} NOT NULL,
		candidate {BLOB} NOT NULL,
		created_at BIGINT NOT NULL,
		FOREIGN KEY (offer_id) REFERENCES offers (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS ice_candidates_offer_index ON ice_candidates (offer_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		name {NAME} NOT NULL,
		secret {BLOB} NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		last_used BIGINT NOT NULL,
		PRIMARY KEY (name)
	)`,
	`CREATE INDEX IF NOT EXISTS credentials_expires_at_index ON credentials (expires_at)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		identifier {KEY} NOT NULL,
		count BIGINT NOT NULL,
		reset_time BIGINT NOT NULL,
		PRIMARY KEY (identifier)
	)`,

	`CREATE TABLE IF NOT EXISTS nonces (
		nonce_key {KEY} NOT NULL,
		expires_at BIGINT NOT NULL,
		PRIMARY KEY (nonce_key)
	)`,
}

var schemaTokens = map[dialect]map[string]string{
	dialectSQLite: {
		"{OFFER_ID}": "TEXT",
		"{NAME}":     "TEXT",
		"{TAG}":      "TEXT",
		"{KEY}":      "TEXT",
		"{BLOB}":     "TEXT",
		"{ROLE}":     "TEXT",
		"{AUTO_ID}":  "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
	dialectPostgres: {
		"{OFFER_ID}": "TEXT",
		"{NAME}":     "TEXT",
		"{TAG}":      "TEXT",
		"{KEY}":      "TEXT",
		"{BLOB}":     "TEXT",
		"{ROLE}":     "TEXT",
		"{AUTO_ID}":  "BIGSERIAL PRIMARY KEY",
	},
	dialectMySQL: {
		"{OFFER_ID}": "VARCHAR(64)",
		"{NAME}":     "VARCHAR(32)",
		"{TAG}":      "VARCHAR(64)",
		"{KEY}":      "VARCHAR(191)",
		"{BLOB}":     "TEXT",
		"{ROLE}":     "VARCHAR(16)",
		"{AUTO_ID}":  "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
	},
}

// CreateTables implements rendezvous.DB.
func (db *DB) CreateTables(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	tokens := schemaTokens[db.dialect]
	for _, stmt := range schemaTemplate {
		for token, replacement := range tokens {
			stmt = strings.ReplaceAll(stmt, token, replacement)
		}
		if db.dialect == dialectMySQL && strings.HasPrefix(stmt, "CREATE INDEX") {
			stmt = strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
		}
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			if db.dialect.isDuplicateIndex(err) {
				continue
			}
			return Error.Wrap(err)
		}
	}
	return nil
}
