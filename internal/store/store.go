// Package store implements the persistence collaborator: a sqlite3-backed
// sink for metric reports and alerts, with a small migration framework for
// schema evolution.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// timestampLayout matches the original collaborator's "%Y-%m-%d %H:%M:%S"
// formatting.
const timestampLayout = "2006-01-02 15:04:05"

// Store persists metric reports and alerts to a sqlite3 database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite3 database at name and migrates
// it to the latest schema version.
func Open(name string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", name, err)
	}
	s := &Store{db: db}

	_, required, err := s.Version()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: read version: %w", err)
	}
	if err := s.MigrateUp(context.Background(), required); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func round(v float32, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(float64(v)*mult) / mult
}

func nullableRound(v *float32, places int) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: round(*v, places), Valid: true}
}

func nullable(v *float32) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*v), Valid: true}
}

// PersistMetrics records one metric report. bandwidth is rounded to 2
// decimal places, jitter and latency to 3, matching the original
// collaborator's rounding.
func (s *Store) PersistMetrics(ctx context.Context, taskID, deviceID string, bandwidth, jitter, loss, latency *float32, ts time.Time) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO metrics (task_id, device_id, bandwidth, jitter, loss, latency, timestamp)
		VALUES (:task_id, :device_id, :bandwidth, :jitter, :loss, :latency, :timestamp)
	`, map[string]any{
		"task_id":   taskID,
		"device_id": deviceID,
		"bandwidth": nullableRound(bandwidth, 2),
		"jitter":    nullableRound(jitter, 3),
		"loss":      nullable(loss),
		"latency":   nullableRound(latency, 3),
		"timestamp": ts.UTC().Format(timestampLayout),
	})
	if err != nil {
		return fmt.Errorf("store: persist metrics: %w", err)
	}
	return nil
}

// PersistAlert records one alert.
func (s *Store) PersistAlert(ctx context.Context, taskID, deviceID, alertType, details string, ts time.Time) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alerts (task_id, device_id, alert_type, details, timestamp)
		VALUES (:task_id, :device_id, :alert_type, :details, :timestamp)
	`, map[string]any{
		"task_id":    taskID,
		"device_id":  deviceID,
		"alert_type": alertType,
		"details":    details,
		"timestamp":  ts.UTC().Format(timestampLayout),
	})
	if err != nil {
		return fmt.Errorf("store: persist alert: %w", err)
	}
	return nil
}
