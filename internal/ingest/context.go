package ingest

import (
	"context"
	"errors"

	"github.com/Suvan8806/DriftWatch/internal/drift"
	"github.com/Suvan8806/DriftWatch/internal/storage"
)

// serviceContext is the per-service detection state. Owned by a single shard
// worker and only touched while holding that shard's mutex; the struct itself
// carries no lock. After a restart the durable parts (baseline, health
// state, sample count) are rehydrated from the store; the anomaly counters
// and rings start empty.
type serviceContext struct {
	serviceID string
	machine   *drift.Machine

	baseline    *storage.Baseline
	sampleCount int

	// samples processed since the last baseline refresh
	sinceRefresh int

	// health row exists in the store
	healthPersisted bool
}

func (p *Pipeline) loadContext(ctx context.Context, serviceID string) (*serviceContext, error) {
	sc := &serviceContext{serviceID: serviceID}

	state := storage.StateInsufficientData
	health, err := p.repo.GetHealth(ctx, serviceID)
	switch {
	case err == nil:
		state = health.State
		sc.healthPersisted = true
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	sc.machine = drift.NewMachine(p.driftParams, state)

	b, err := p.repo.GetBaseline(ctx, serviceID)
	switch {
	case err == nil:
		sc.baseline = &b
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}

	n, err := p.repo.SampleCount(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	sc.sampleCount = n
	return sc, nil
}
