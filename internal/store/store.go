// Package store is the durable store adapter. It owns every persisted
// entity (evaluations, model outputs, outcomes, orders, executions,
// links, ensemble weights) behind a narrow capability surface; other
// components hold immutable snapshots only.
package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/database"
)

// Store provides append/update access to the research database.
// Idempotency is carried by unique keys, not locks; concurrent reads
// are permitted and per-row writes are serialised by SQLite itself.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New creates a store over an opened research database and applies the
// schema.
func New(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(Schema); err != nil {
		return nil, fmt.Errorf("failed to migrate research schema: %w", err)
	}
	return &Store{
		db:  db.Conn(),
		log: log.With().Str("component", "store").Logger(),
	}, nil
}

// nullFloat converts an optional float for SQL parameters.
func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// nullInt converts an optional int64 for SQL parameters.
func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// nullString stores empty strings as NULL so optional text columns stay
// distinguishable from deliberate empties.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func stringOf(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
