package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink consumes generated samples. The in-process sink submits to the ingest
// pipeline; the CLI sink posts over HTTP.
type Sink interface {
	Emit(ctx context.Context, serviceID string, ts time.Time, latencyMS, payloadKB float64) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, serviceID string, ts time.Time, latencyMS, payloadKB float64) error

func (f SinkFunc) Emit(ctx context.Context, serviceID string, ts time.Time, latencyMS, payloadKB float64) error {
	return f(ctx, serviceID, ts, latencyMS, payloadKB)
}

// RunSpec describes one synthetic traffic run.
type RunSpec struct {
	ServiceID     string
	Pattern       Pattern
	Count         int
	RatePerSecond float64
	BaseLatencyMS float64
	BasePayloadKB float64
	Seed          int64
}

// Runner owns the background simulation goroutines started via the API.
type Runner struct {
	log *slog.Logger

	mu     sync.Mutex
	active map[string]RunSpec
	wg     sync.WaitGroup
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log, active: make(map[string]RunSpec)}
}

// Start launches a run in the background and returns its id. The run stops
// when the generator is exhausted or ctx is canceled. Sink errors are
// counted and skipped so a full ingest queue does not kill the run; the
// skipped count is logged when the run finishes.
func (r *Runner) Start(ctx context.Context, spec RunSpec, sink Sink) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.active[id] = spec
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
		}()
		r.run(ctx, id, spec, sink)
	}()
	return id
}

func (r *Runner) run(ctx context.Context, id string, spec RunSpec, sink Sink) {
	gen := NewGenerator(spec.Pattern, spec.BaseLatencyMS, spec.BasePayloadKB, spec.Count, spec.Seed)
	interval := time.Duration(float64(time.Second) / spec.RatePerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("simulation started",
		slog.String("simulation_id", id),
		slog.String("service_id", spec.ServiceID),
		slog.String("pattern", string(spec.Pattern)),
		slog.Int("count", spec.Count),
	)
	sent, skipped := 0, 0
	for {
		latency, payload, ok := gen.Next()
		if !ok {
			break
		}
		if err := sink.Emit(ctx, spec.ServiceID, time.Now().UTC(), latency, payload); err != nil {
			skipped++
		} else {
			sent++
		}
		select {
		case <-ctx.Done():
			r.log.Info("simulation canceled", slog.String("simulation_id", id))
			return
		case <-ticker.C:
		}
	}
	r.log.Info("simulation finished",
		slog.String("simulation_id", id),
		slog.Int("sent", sent),
		slog.Int("skipped", skipped),
	)
}

// ActiveCount reports the number of runs currently in flight.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Wait blocks until all runs finish. The simulator CLI uses it to wait for
// its run.
func (r *Runner) Wait() {
	r.wg.Wait()
}
