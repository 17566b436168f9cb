package storage

import (
	"context"
	"database/sql"
	"os"
	"time"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository exposes the persistence operations over a Store. All timestamps
// are stored as epoch milliseconds.
type Repository struct {
	store *Store
	q     dbtx
}

func NewRepository(store *Store) *Repository {
	return &Repository{store: store, q: store.db}
}

// WithTx runs fn with a Repository bound to a single transaction so the
// per-sample write unit (sample, z-score, baseline, health, event) is
// observable as one atomic change.
func (r *Repository) WithTx(ctx context.Context, fn func(*Repository) error) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Repository{store: r.store, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func epochMS(t time.Time) int64 { return t.UnixMilli() }

func fromEpochMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Telemetry

func (r *Repository) AppendSample(ctx context.Context, s Sample) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO telemetry (service_id, timestamp, latency_ms, payload_kb, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ServiceID, epochMS(s.Timestamp), s.LatencyMS, s.PayloadKB, epochMS(s.IngestedAt),
	)
	return err
}

// RecentSamples returns up to limit samples for a service, newest first.
func (r *Repository) RecentSamples(ctx context.Context, serviceID string, limit int) ([]Sample, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, service_id, timestamp, latency_ms, payload_kb, created_at
		FROM telemetry WHERE service_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var s Sample
		var ts, created int64
		if err := rows.Scan(&s.ID, &s.ServiceID, &ts, &s.LatencyMS, &s.PayloadKB, &created); err != nil {
			return nil, err
		}
		s.Timestamp = fromEpochMS(ts)
		s.IngestedAt = fromEpochMS(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) SampleCount(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM telemetry WHERE service_id = ?`, serviceID).Scan(&n)
	return n, err
}

func (r *Repository) TotalSampleCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, err
}

// Baselines

func (r *Repository) GetBaseline(ctx context.Context, serviceID string) (Baseline, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT service_id, sample_count, mean_latency, stddev_latency,
		       mean_payload, stddev_payload, p50_latency, p95_latency, p99_latency,
		       last_updated, created_at
		FROM baselines WHERE service_id = ?`, serviceID)
	var b Baseline
	var updated, created int64
	if err := row.Scan(&b.ServiceID, &b.SampleCount, &b.MeanLatency, &b.StddevLatency,
		&b.MeanPayload, &b.StddevPayload, &b.P50Latency, &b.P95Latency, &b.P99Latency,
		&updated, &created); err != nil {
		if err == sql.ErrNoRows {
			return Baseline{}, ErrNotFound
		}
		return Baseline{}, err
	}
	b.LastUpdated = fromEpochMS(updated)
	b.CreatedAt = fromEpochMS(created)
	return b, nil
}

// UpsertBaseline atomically replaces the baseline row keyed by service_id.
func (r *Repository) UpsertBaseline(ctx context.Context, b Baseline) error {
	now := epochMS(time.Now())
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO baselines
			(service_id, sample_count, mean_latency, stddev_latency,
			 mean_payload, stddev_payload, p50_latency, p95_latency, p99_latency,
			 last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_id) DO UPDATE SET
			sample_count = excluded.sample_count,
			mean_latency = excluded.mean_latency,
			stddev_latency = excluded.stddev_latency,
			mean_payload = excluded.mean_payload,
			stddev_payload = excluded.stddev_payload,
			p50_latency = excluded.p50_latency,
			p95_latency = excluded.p95_latency,
			p99_latency = excluded.p99_latency,
			last_updated = excluded.last_updated`,
		b.ServiceID, b.SampleCount, b.MeanLatency, b.StddevLatency,
		b.MeanPayload, b.StddevPayload, b.P50Latency, b.P95Latency, b.P99Latency,
		now, now,
	)
	return err
}

// DeleteBaseline removes a service's cached statistics so the next window
// rebuild starts fresh.
func (r *Repository) DeleteBaseline(ctx context.Context, serviceID string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM baselines WHERE service_id = ?`, serviceID)
	return err
}

// Health states

func (r *Repository) GetHealth(ctx context.Context, serviceID string) (HealthState, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT service_id, state, transition_timestamp, metadata
		FROM health_states WHERE service_id = ?`, serviceID)
	var h HealthState
	var ts int64
	var meta sql.NullString
	if err := row.Scan(&h.ServiceID, &h.State, &ts, &meta); err != nil {
		if err == sql.ErrNoRows {
			return HealthState{}, ErrNotFound
		}
		return HealthState{}, err
	}
	h.TransitionTimestamp = fromEpochMS(ts)
	if meta.Valid {
		h.Metadata = []byte(meta.String)
	}
	return h, nil
}

func (r *Repository) UpsertHealth(ctx context.Context, h HealthState) error {
	ts := h.TransitionTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var meta any
	if len(h.Metadata) > 0 {
		meta = string(h.Metadata)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO health_states (service_id, state, transition_timestamp, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id) DO UPDATE SET
			state = excluded.state,
			transition_timestamp = excluded.transition_timestamp,
			metadata = excluded.metadata`,
		h.ServiceID, h.State, epochMS(ts), meta,
	)
	return err
}

func (r *Repository) MonitoredServiceCount(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT service_id) FROM health_states`).Scan(&n)
	return n, err
}

// Drift events

func (r *Repository) AppendDriftEvent(ctx context.Context, e DriftEvent) error {
	var trigger, meta any
	if len(e.TriggerSamples) > 0 {
		trigger = string(e.TriggerSamples)
	}
	if len(e.Metadata) > 0 {
		meta = string(e.Metadata)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO drift_events
			(service_id, detected_at, previous_state, new_state, trigger_samples, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ServiceID, epochMS(e.DetectedAt), e.PreviousState, e.NewState, trigger, meta,
	)
	return err
}

func (r *Repository) RecentDriftEvents(ctx context.Context, serviceID string, limit int) ([]DriftEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, service_id, detected_at, previous_state, new_state, trigger_samples, metadata
		FROM drift_events WHERE service_id = ?
		ORDER BY detected_at DESC, id DESC LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDriftEvents(rows)
}

// AllRecentDriftEvents returns the newest events across every service.
func (r *Repository) AllRecentDriftEvents(ctx context.Context, limit int) ([]DriftEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, service_id, detected_at, previous_state, new_state, trigger_samples, metadata
		FROM drift_events
		ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDriftEvents(rows)
}

func scanDriftEvents(rows *sql.Rows) ([]DriftEvent, error) {
	var out []DriftEvent
	for rows.Next() {
		var e DriftEvent
		var detected int64
		var trigger, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.ServiceID, &detected, &e.PreviousState, &e.NewState, &trigger, &meta); err != nil {
			return nil, err
		}
		e.DetectedAt = fromEpochMS(detected)
		if trigger.Valid {
			e.TriggerSamples = []byte(trigger.String)
		}
		if meta.Valid {
			e.Metadata = []byte(meta.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Z-score history

func (r *Repository) AppendZScore(ctx context.Context, z ZScoreRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO zscore_history (service_id, timestamp, latency_zscore, payload_zscore, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		z.ServiceID, epochMS(z.Timestamp), z.LatencyZScore, z.PayloadZScore, epochMS(z.CreatedAt),
	)
	return err
}

func (r *Repository) RecentZScores(ctx context.Context, serviceID string, limit int) ([]ZScoreRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT service_id, timestamp, latency_zscore, payload_zscore, created_at
		FROM zscore_history WHERE service_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ZScoreRecord
	for rows.Next() {
		var z ZScoreRecord
		var ts, created int64
		if err := rows.Scan(&z.ServiceID, &ts, &z.LatencyZScore, &z.PayloadZScore, &created); err != nil {
			return nil, err
		}
		z.Timestamp = fromEpochMS(ts)
		z.CreatedAt = fromEpochMS(created)
		out = append(out, z)
	}
	return out, rows.Err()
}

// Maintenance

// Purge removes samples and z-score records ingested before samplesBefore and
// drift events detected before eventsBefore. Baselines and health states are
// kept.
func (r *Repository) Purge(ctx context.Context, samplesBefore, eventsBefore time.Time) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM telemetry WHERE created_at < ?`, epochMS(samplesBefore)); err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM zscore_history WHERE created_at < ?`, epochMS(samplesBefore)); err != nil {
		return err
	}
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM drift_events WHERE detected_at < ?`, epochMS(eventsBefore))
	return err
}

func (r *Repository) SystemStats(ctx context.Context) (SystemStats, error) {
	var stats SystemStats
	var err error
	if stats.ServiceCount, err = r.MonitoredServiceCount(ctx); err != nil {
		return stats, err
	}
	if stats.TotalSamples, err = r.TotalSampleCount(ctx); err != nil {
		return stats, err
	}
	if info, err := os.Stat(r.store.path); err == nil {
		stats.BytesOnDisk = info.Size()
	}
	return stats, nil
}
