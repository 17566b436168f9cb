package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	store, err := NewStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRepository(store)
}

func sampleAt(serviceID string, ts time.Time, latency, payload float64) Sample {
	return Sample{
		ServiceID:  serviceID,
		Timestamp:  ts,
		LatencyMS:  latency,
		PayloadKB:  payload,
		IngestedAt: ts,
	}
}

func TestAppendAndReadSamples(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s := sampleAt("svc-a", base.Add(time.Duration(i)*time.Second), float64(100+i), 64)
		if err := repo.AppendSample(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := repo.AppendSample(ctx, sampleAt("svc-b", base, 50, 32)); err != nil {
		t.Fatalf("append other service: %v", err)
	}

	got, err := repo.RecentSamples(ctx, "svc-a", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].LatencyMS != 104 {
		t.Fatalf("newest first: got latency %v", got[0].LatencyMS)
	}
	if !got[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("timestamp round trip: %v", got[0].Timestamp)
	}

	n, err := repo.SampleCount(ctx, "svc-a")
	if err != nil || n != 5 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	total, err := repo.TotalSampleCount(ctx)
	if err != nil || total != 6 {
		t.Fatalf("total = %d, err = %v", total, err)
	}
}

func TestBaselineUpsert(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.GetBaseline(ctx, "svc-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing baseline err = %v, want ErrNotFound", err)
	}

	p50, p95, p99 := 100.0, 180.0, 240.0
	b := Baseline{
		ServiceID:     "svc-a",
		SampleCount:   100,
		MeanLatency:   100,
		StddevLatency: 10,
		MeanPayload:   64,
		StddevPayload: 8,
		P50Latency:    &p50,
		P95Latency:    &p95,
		P99Latency:    &p99,
	}
	if err := repo.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := repo.GetBaseline(ctx, "svc-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MeanLatency != 100 || got.SampleCount != 100 {
		t.Fatalf("read back: %+v", got)
	}
	if got.P95Latency == nil || *got.P95Latency != 180 {
		t.Fatalf("p95 = %v", got.P95Latency)
	}

	b.MeanLatency = 120
	b.SampleCount = 150
	if err := repo.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = repo.GetBaseline(ctx, "svc-a")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.MeanLatency != 120 || got.SampleCount != 150 {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestDeleteBaseline(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	b := Baseline{ServiceID: "svc-a", SampleCount: 100, MeanLatency: 1, StddevLatency: 1, MeanPayload: 1, StddevPayload: 1}
	if err := repo.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.DeleteBaseline(ctx, "svc-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetBaseline(ctx, "svc-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestHealthUpsert(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.GetHealth(ctx, "svc-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing health err = %v, want ErrNotFound", err)
	}

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h := HealthState{
		ServiceID:           "svc-a",
		State:               StateInsufficientData,
		TransitionTimestamp: ts,
	}
	if err := repo.UpsertHealth(ctx, h); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	h.State = StateStable
	h.Metadata = []byte(`{"reason":"baseline_ready","sample_count":100}`)
	if err := repo.UpsertHealth(ctx, h); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := repo.GetHealth(ctx, "svc-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateStable {
		t.Fatalf("state = %s", got.State)
	}
	if len(got.Metadata) == 0 {
		t.Fatal("metadata lost")
	}
	if !got.TransitionTimestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.TransitionTimestamp, ts)
	}

	n, err := repo.MonitoredServiceCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("monitored = %d, err = %v", n, err)
	}
}

func TestDriftEvents(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := DriftEvent{
			ServiceID:     "svc-a",
			DetectedAt:    base.Add(time.Duration(i) * time.Minute),
			PreviousState: StateStable,
			NewState:      StateDriftDetected,
			Metadata:      []byte(`{"reason":"consecutive_severe_anomalies"}`),
		}
		if err := repo.AppendDriftEvent(ctx, e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	got, err := repo.RecentDriftEvents(ctx, "svc-a", 2)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].DetectedAt.After(got[1].DetectedAt) {
		t.Fatal("events not newest first")
	}
	if got[0].NewState != StateDriftDetected {
		t.Fatalf("new state = %s", got[0].NewState)
	}

	other := DriftEvent{
		ServiceID:     "svc-b",
		DetectedAt:    base.Add(time.Hour),
		PreviousState: StateInsufficientData,
		NewState:      StateStable,
	}
	if err := repo.AppendDriftEvent(ctx, other); err != nil {
		t.Fatalf("append event: %v", err)
	}
	all, err := repo.AllRecentDriftEvents(ctx, 10)
	if err != nil {
		t.Fatalf("all recent events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].ServiceID != "svc-b" {
		t.Fatalf("newest event service = %s", all[0].ServiceID)
	}
}

func TestZScoreHistory(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		z := ZScoreRecord{
			ServiceID:     "svc-a",
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			LatencyZScore: float64(i),
			PayloadZScore: -float64(i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.AppendZScore(ctx, z); err != nil {
			t.Fatalf("append zscore: %v", err)
		}
	}
	got, err := repo.RecentZScores(ctx, "svc-a", 10)
	if err != nil {
		t.Fatalf("recent zscores: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].LatencyZScore != 2 {
		t.Fatalf("newest first: %v", got[0].LatencyZScore)
	}
}

func TestPurge(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)

	if err := repo.AppendSample(ctx, sampleAt("svc-a", old, 100, 64)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.AppendSample(ctx, sampleAt("svc-a", recent, 100, 64)); err != nil {
		t.Fatalf("append: %v", err)
	}
	for _, ts := range []time.Time{old, recent} {
		z := ZScoreRecord{ServiceID: "svc-a", Timestamp: ts, CreatedAt: ts}
		if err := repo.AppendZScore(ctx, z); err != nil {
			t.Fatalf("append zscore: %v", err)
		}
		e := DriftEvent{ServiceID: "svc-a", DetectedAt: ts, PreviousState: StateStable, NewState: StateDriftDetected}
		if err := repo.AppendDriftEvent(ctx, e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	b := Baseline{ServiceID: "svc-a", SampleCount: 10, MeanLatency: 1, StddevLatency: 1, MeanPayload: 1, StddevPayload: 1}
	if err := repo.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("upsert baseline: %v", err)
	}

	if err := repo.Purge(ctx, cutoff, cutoff); err != nil {
		t.Fatalf("purge: %v", err)
	}

	n, err := repo.SampleCount(ctx, "svc-a")
	if err != nil || n != 1 {
		t.Fatalf("samples after purge = %d, err = %v", n, err)
	}
	zs, err := repo.RecentZScores(ctx, "svc-a", 10)
	if err != nil || len(zs) != 1 {
		t.Fatalf("zscores after purge = %d, err = %v", len(zs), err)
	}
	evs, err := repo.RecentDriftEvents(ctx, "svc-a", 10)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events after purge = %d, err = %v", len(evs), err)
	}
	if _, err := repo.GetBaseline(ctx, "svc-a"); err != nil {
		t.Fatalf("baseline must survive purge: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	wantErr := errors.New("boom")
	err := repo.WithTx(ctx, func(tx *Repository) error {
		if err := tx.AppendSample(ctx, sampleAt("svc-a", base, 100, 64)); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	n, err := repo.SampleCount(ctx, "svc-a")
	if err != nil || n != 0 {
		t.Fatalf("rolled-back sample visible: n = %d, err = %v", n, err)
	}
}

func TestWithTxCommits(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	err := repo.WithTx(ctx, func(tx *Repository) error {
		if err := tx.AppendSample(ctx, sampleAt("svc-a", base, 100, 64)); err != nil {
			return err
		}
		return tx.UpsertHealth(ctx, HealthState{
			ServiceID:           "svc-a",
			State:               StateInsufficientData,
			TransitionTimestamp: base,
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	n, err := repo.SampleCount(ctx, "svc-a")
	if err != nil || n != 1 {
		t.Fatalf("n = %d, err = %v", n, err)
	}
	if _, err := repo.GetHealth(ctx, "svc-a"); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestSystemStats(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.AppendSample(ctx, sampleAt("svc-a", base, 100, 64)); err != nil {
		t.Fatalf("append: %v", err)
	}
	h := HealthState{ServiceID: "svc-a", State: StateInsufficientData, TransitionTimestamp: base}
	if err := repo.UpsertHealth(ctx, h); err != nil {
		t.Fatalf("health: %v", err)
	}
	stats, err := repo.SystemStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ServiceCount != 1 || stats.TotalSamples != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.BytesOnDisk <= 0 {
		t.Fatalf("db size = %d", stats.BytesOnDisk)
	}
}
