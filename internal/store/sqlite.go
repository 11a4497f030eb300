package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"meterwatch/internal/meter"
)

// SQLiteStore keeps accepted readings in a local SQLite database so past
// values survive restarts and can be queried by the diagnostics surface.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meter_readings (
	id TEXT PRIMARY KEY,
	meter TEXT NOT NULL,
	kind TEXT NOT NULL,
	total_value REAL NOT NULL,
	unit TEXT NOT NULL,
	confidence TEXT NOT NULL,
	notes TEXT,
	taken_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meter_readings_meter_time ON meter_readings(meter, taken_at);
`

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// PersistReading inserts one row per accepted reading.
func (s *SQLiteStore) PersistReading(ctx context.Context, r meter.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meter_readings (id, meter, kind, total_value, unit, confidence, notes, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Meter, string(r.Kind), r.TotalValue, r.Unit, string(r.Confidence), r.Notes, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// PersistImage is a no-op for the relational store.
func (s *SQLiteStore) PersistImage(context.Context, string, []byte, time.Time, string) error {
	return nil
}

// Latest returns up to limit readings for a meter, newest first.
func (s *SQLiteStore) Latest(ctx context.Context, meterName string, limit int) ([]meter.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meter, kind, total_value, unit, confidence, notes, taken_at
		 FROM meter_readings WHERE meter = ? ORDER BY taken_at DESC LIMIT ?`,
		meterName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var readings []meter.Reading
	for rows.Next() {
		var r meter.Reading
		var kind string
		var confidence string
		if err := rows.Scan(&r.ID, &r.Meter, &kind, &r.TotalValue, &r.Unit, &confidence, &r.Notes, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Kind = meter.Kind(kind)
		r.Confidence = meter.Confidence(confidence)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// Close shuts the database down.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
