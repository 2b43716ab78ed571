// Package sqlite implements the state store repositories on database/sql.
// SQLite (via the cgo-free modernc driver) is the primary deployment; the
// same repositories run against Postgres through lib/pq, with placeholder
// rebinding handled by the session layer.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/store"
)

// driverName maps the configured driver to the registered sql driver.
func driverName(configDriver string) string {
	if configDriver == "sqlite3" {
		return "sqlite"
	}
	return configDriver
}

func openDB(config *store.Config) (*sql.DB, error) {
	dsn, err := config.BuildConnectionString()
	if err != nil {
		return nil, store.NewConfigurationError("open", "failed to build connection string", err)
	}

	db, err := sql.Open(driverName(config.Driver), dsn)
	if err != nil {
		return nil, store.NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return db, nil
}

// Timestamps are stored as RFC3339 UTC text so rows stay readable and
// portable across both drivers.

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, store.NewDataError("parse_time", "malformed stored timestamp", err)
	}
	return t, nil
}

func nullTimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strArg(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intArg(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// String lists (tags, reasons, rules) are stored as JSON text.

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil
	}
	return values
}

// Amounts are stored as canonical two-decimal strings.

func amountString(d decimal.Decimal) string {
	return canonical.AmountString(d)
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, store.NewDataError("parse_amount", "malformed stored amount", err)
	}
	return d, nil
}
