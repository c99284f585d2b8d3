package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func f32p(v float32) *float32 { return &v }

func TestPersistMetricsRounding(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nms.db"))
	if err != nil {
		panic(err)
	}
	defer s.Close()

	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if err := s.PersistMetrics(context.Background(), "T0001     ", "AG001", f32p(12.3456), f32p(1.23456), nil, f32p(5.0001), ts); err != nil {
		t.Fatal(err)
	}

	var rows []struct {
		TaskID    string   `db:"task_id"`
		DeviceID  string   `db:"device_id"`
		Bandwidth *float64 `db:"bandwidth"`
		Jitter    *float64 `db:"jitter"`
		Loss      *float64 `db:"loss"`
		Latency   *float64 `db:"latency"`
		Timestamp string   `db:"timestamp"`
	}
	if err := s.db.Select(&rows, `SELECT task_id, device_id, bandwidth, jitter, loss, latency, timestamp FROM metrics`); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	r := rows[0]
	if *r.Bandwidth != 12.35 {
		t.Errorf("bandwidth = %v, want 12.35", *r.Bandwidth)
	}
	if *r.Jitter != 1.235 {
		t.Errorf("jitter = %v, want 1.235", *r.Jitter)
	}
	if r.Loss != nil {
		t.Errorf("loss = %v, want nil", *r.Loss)
	}
	if *r.Latency != 5.0 {
		t.Errorf("latency = %v, want 5.0", *r.Latency)
	}
	if r.Timestamp != "2023-11-14 22:13:20" {
		t.Errorf("timestamp = %q, want 2023-11-14 22:13:20", r.Timestamp)
	}
}

func TestPersistAlert(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nms.db"))
	if err != nil {
		panic(err)
	}
	defer s.Close()

	ts := time.Unix(1700000000, 0)
	if err := s.PersistAlert(context.Background(), "T0001", "AG001", "HighCpuUsage", "cpu at 60", ts); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM alerts WHERE alert_type = ?`, "HighCpuUsage"); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
