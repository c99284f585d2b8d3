package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE metrics (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			bandwidth  REAL,
			jitter     REAL,
			loss       REAL,
			latency    REAL,
			timestamp  TEXT NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX metrics_task_device_idx ON metrics(task_id, device_id)`); err != nil {
		return fmt.Errorf("create metrics index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE alerts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			details    TEXT NOT NULL,
			timestamp  TEXT NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create alerts table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX alerts_task_device_idx ON alerts(task_id, device_id)`); err != nil {
		return fmt.Errorf("create alerts index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX alerts_task_device_idx`); err != nil {
		return fmt.Errorf("drop alerts_task_device_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE alerts`); err != nil {
		return fmt.Errorf("drop alerts table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP INDEX metrics_task_device_idx`); err != nil {
		return fmt.Errorf("drop metrics_task_device_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE metrics`); err != nil {
		return fmt.Errorf("drop metrics table: %w", err)
	}
	return nil
}
