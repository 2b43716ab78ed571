package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// executor interface allows using both sql.DB and sql.Tx.
type executor interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// session wraps an executor with its driver so queries written with ?
// placeholders run unchanged on SQLite and rebound on Postgres.
type session struct {
	ex     executor
	driver string
}

func newSession(ex executor, driver string) *session {
	return &session{ex: ex, driver: driver}
}

func (s *session) bind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *session) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.ex.QueryRowContext(ctx, s.bind(query), args...)
}

func (s *session) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.ex.QueryContext(ctx, s.bind(query), args...)
}

func (s *session) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.ex.ExecContext(ctx, s.bind(query), args...)
}
