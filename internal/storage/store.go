package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	latency_ms REAL NOT NULL CHECK (latency_ms >= 0),
	payload_kb REAL NOT NULL CHECK (payload_kb >= 0),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_service_ts
	ON telemetry (service_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS baselines (
	service_id TEXT PRIMARY KEY,
	sample_count INTEGER NOT NULL CHECK (sample_count > 0),
	mean_latency REAL NOT NULL,
	stddev_latency REAL NOT NULL CHECK (stddev_latency >= 0),
	mean_payload REAL NOT NULL,
	stddev_payload REAL NOT NULL CHECK (stddev_payload >= 0),
	p50_latency REAL,
	p95_latency REAL,
	p99_latency REAL,
	last_updated INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS health_states (
	service_id TEXT PRIMARY KEY,
	state TEXT NOT NULL CHECK (state IN ('INSUFFICIENT_DATA','STABLE','DRIFT_DETECTED')),
	transition_timestamp INTEGER NOT NULL,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS drift_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	previous_state TEXT NOT NULL,
	new_state TEXT NOT NULL,
	trigger_samples TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_drift_events_service_ts
	ON drift_events (service_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS zscore_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	latency_zscore REAL NOT NULL,
	payload_zscore REAL NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_zscore_service_created
	ON zscore_history (service_id, created_at DESC);
`

// Store owns the embedded sqlite database. Writes are serialized through a
// single connection; readers share it via the database/sql pool.
type Store struct {
	db   *sql.DB
	path string
}

func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	// sqlite permits one writer at a time; a single pooled connection keeps
	// database/sql from ever hitting SQLITE_BUSY on its own connections.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store still responds. Used by the liveness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
