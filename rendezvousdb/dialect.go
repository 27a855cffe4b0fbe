// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// dialect captures the few places where the supported SQL engines diverge.
// Queries are written with ? placeholders and rebound on the way out.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
)

// rebind rewrites ? placeholders into $N for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-locking suffix. sqlite serializes writers on
// its own and rejects the clause.
func (d dialect) forUpdate() string {
	if d == dialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// random returns the engine's random-ordering function.
func (d dialect) random() string {
	if d == dialectMySQL {
		return "RAND()"
	}
	return "RANDOM()"
}

// insertIgnore returns the verb and suffix that make an insert a no-op on
// primary key conflicts.
func (d dialect) insertIgnore() (verb, suffix string) {
	switch d {
	case dialectSQLite:
		return "INSERT OR IGNORE INTO", ""
	case dialectMySQL:
		return "INSERT IGNORE INTO", ""
	default:
		return "INSERT INTO", " ON CONFLICT DO NOTHING"
	}
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint conflict.
func (d dialect) isUniqueViolation(err error) bool {
	switch d {
	case dialectSQLite:
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
	case dialectPostgres:
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	default:
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
	}
}

// isDuplicateIndex reports whether err means the index already exists.
// Only mysql lacks CREATE INDEX IF NOT EXISTS.
func (d dialect) isDuplicateIndex(err error) bool {
	if d != dialectMySQL {
		return false
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1061
}
