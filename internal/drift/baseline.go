package drift

import (
	"context"
	"time"

	"github.com/Suvan8806/DriftWatch/internal/storage"
)

// BaselineParams controls when a baseline is built and over how many samples.
type BaselineParams struct {
	MinSamples     int
	WindowSize     int
	RecalcInterval int
}

func DefaultBaselineParams() BaselineParams {
	return BaselineParams{
		MinSamples:     100,
		WindowSize:     1000,
		RecalcInterval: 50,
	}
}

// BaselineEngine recomputes per-service statistics from the telemetry window.
// Stateless; every call reads the current window from the repository.
type BaselineEngine struct {
	params BaselineParams
}

func NewBaselineEngine(params BaselineParams) *BaselineEngine {
	return &BaselineEngine{params: params}
}

// ShouldRecalculate reports whether a new baseline is due. With no baseline
// yet, the first MinSamples samples trigger one; afterwards every
// RecalcInterval-th sample refreshes it.
func (e *BaselineEngine) ShouldRecalculate(hasBaseline bool, sampleCount, sinceRefresh int) bool {
	if !hasBaseline {
		return sampleCount >= e.params.MinSamples
	}
	return sinceRefresh >= e.params.RecalcInterval
}

// Compute builds a baseline from the most recent window of samples. Returns
// storage.ErrNotFound when the service has no samples at all.
func (e *BaselineEngine) Compute(ctx context.Context, repo *storage.Repository, serviceID string) (storage.Baseline, error) {
	samples, err := repo.RecentSamples(ctx, serviceID, e.params.WindowSize)
	if err != nil {
		return storage.Baseline{}, err
	}
	if len(samples) == 0 {
		return storage.Baseline{}, storage.ErrNotFound
	}
	return e.fromSamples(serviceID, samples), nil
}

func (e *BaselineEngine) fromSamples(serviceID string, samples []storage.Sample) storage.Baseline {
	latencies := make([]float64, len(samples))
	payloads := make([]float64, len(samples))
	for i, s := range samples {
		latencies[i] = s.LatencyMS
		payloads[i] = s.PayloadKB
	}
	p50 := Percentile(latencies, 50)
	p95 := Percentile(latencies, 95)
	p99 := Percentile(latencies, 99)
	return storage.Baseline{
		ServiceID:     serviceID,
		SampleCount:   len(samples),
		MeanLatency:   Mean(latencies),
		StddevLatency: SampleStdDev(latencies),
		MeanPayload:   Mean(payloads),
		StddevPayload: SampleStdDev(payloads),
		P50Latency:    &p50,
		P95Latency:    &p95,
		P99Latency:    &p99,
		LastUpdated:   time.Now().UTC(),
	}
}
