package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Suvan8806/DriftWatch/internal/drift"
	"github.com/Suvan8806/DriftWatch/internal/metrics"
	"github.com/Suvan8806/DriftWatch/internal/storage"
)

// Config are the ingest pipeline knobs.
type Config struct {
	Workers       int
	QueueCapacity int
	RetryAttempts int
	RetryBackoff  time.Duration
	DrainTimeout  time.Duration
}

// Pipeline accepts telemetry samples, routes them through the sharded queue,
// and runs the full per-sample unit in the shard workers: persist, score,
// advance the state machine, refresh the baseline.
type Pipeline struct {
	cfg         Config
	repo        *storage.Repository
	engine      *drift.BaselineEngine
	driftParams drift.Params
	queue       *queue
	shards      []*shardState
	met         *metrics.Metrics
	log         *slog.Logger

	wg  sync.WaitGroup
	ctx context.Context
}

// shardState guards one worker's context map so the reset endpoint can evict
// entries from outside the worker goroutine.
type shardState struct {
	mu       sync.Mutex
	contexts map[string]*serviceContext
}

func NewPipeline(cfg Config, repo *storage.Repository, driftParams drift.Params, baselineParams drift.BaselineParams, met *metrics.Metrics, log *slog.Logger) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	shards := make([]*shardState, cfg.Workers)
	for i := range shards {
		shards[i] = &shardState{contexts: make(map[string]*serviceContext)}
	}
	return &Pipeline{
		cfg:         cfg,
		repo:        repo,
		engine:      drift.NewBaselineEngine(baselineParams),
		driftParams: driftParams,
		queue:       newQueue(cfg.Workers, cfg.QueueCapacity),
		shards:      shards,
		met:         met,
		log:         log,
	}
}

// Start launches one worker per shard. ctx bounds the workers' store calls;
// canceling it abandons in-flight retries but Stop should be preferred for an
// orderly drain.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	for i := range p.queue.shards {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit hands a sample to its shard. Returns ErrQueueFull under
// backpressure.
func (p *Pipeline) Submit(s storage.Sample) error {
	if err := p.queue.enqueue(s); err != nil {
		return err
	}
	p.met.QueueDepth.Inc()
	return nil
}

// QueueDepth reports samples buffered across all shards.
func (p *Pipeline) QueueDepth() int { return p.queue.depth() }

// Stop closes intake and waits for the workers to drain the buffered
// samples, up to DrainTimeout.
func (p *Pipeline) Stop() {
	p.queue.close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn("ingest drain timed out", slog.Int("remaining", p.queue.depth()))
	}
}

func (p *Pipeline) worker(shard int) {
	defer p.wg.Done()
	for s := range p.queue.shards[shard] {
		p.met.QueueDepth.Dec()
		st := p.shards[shard]
		st.mu.Lock()
		p.process(st, s)
		st.mu.Unlock()
	}
}

func (p *Pipeline) process(st *shardState, s storage.Sample) {
	start := time.Now()
	sc, ok := st.contexts[s.ServiceID]
	if !ok {
		var err error
		loadErr := p.withRetry(func() error {
			sc, err = p.loadContext(p.ctx, s.ServiceID)
			return err
		})
		if loadErr != nil {
			p.dropSample(s, loadErr)
			return
		}
		st.contexts[s.ServiceID] = sc
	}

	var tr *drift.Transition
	var err error
	if sc.baseline == nil {
		tr, err = p.processWarmup(sc, s)
	} else {
		tr, err = p.processScored(sc, s)
	}
	if err != nil {
		p.dropSample(s, err)
		return
	}

	p.met.SamplesProcessed.Inc()
	p.met.ProcessSeconds.Observe(time.Since(start).Seconds())
	if tr != nil {
		p.met.DriftTransitions.WithLabelValues(tr.From, tr.To).Inc()
		p.log.Info("state transition",
			slog.String("service_id", s.ServiceID),
			slog.String("from", tr.From),
			slog.String("to", tr.To),
			slog.String("reason", tr.Reason.Kind()),
		)
	}
}

// processWarmup handles samples before the first baseline exists. The sample
// is persisted and, once the minimum count is reached, the first baseline is
// built inside the same transaction.
func (p *Pipeline) processWarmup(sc *serviceContext, s storage.Sample) (*drift.Transition, error) {
	newCount := sc.sampleCount + 1
	buildDue := p.engine.ShouldRecalculate(false, newCount, 0)

	var built *storage.Baseline
	var tr *drift.Transition
	err := p.withRetry(func() error {
		built, tr = nil, nil
		saved := *sc.machine
		err := p.repo.WithTx(p.ctx, func(tx *storage.Repository) error {
			if err := tx.AppendSample(p.ctx, s); err != nil {
				return err
			}
			if !sc.healthPersisted {
				h := storage.HealthState{
					ServiceID:           sc.serviceID,
					State:               sc.machine.State(),
					TransitionTimestamp: s.IngestedAt,
				}
				if err := tx.UpsertHealth(p.ctx, h); err != nil {
					return err
				}
			}
			if !buildDue {
				return nil
			}
			b, err := p.engine.Compute(p.ctx, tx, sc.serviceID)
			if err != nil {
				return err
			}
			if err := tx.UpsertBaseline(p.ctx, b); err != nil {
				return err
			}
			built = &b
			if t := sc.machine.ObserveBaseline(b.SampleCount); t != nil {
				tr = t
				if err := p.persistTransition(tx, sc.serviceID, t, s.IngestedAt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			*sc.machine = saved
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sc.sampleCount = newCount
	sc.healthPersisted = true
	if built != nil {
		sc.baseline = built
		sc.sinceRefresh = 0
	}
	return tr, nil
}

// processScored handles samples once a baseline exists: score, record the
// z-scores, advance the machine, and refresh the baseline on cadence. All
// writes land in one transaction; on failure the in-memory machine is rolled
// back so a later retry of the stream cannot double-count.
func (p *Pipeline) processScored(sc *serviceContext, s storage.Sample) (*drift.Transition, error) {
	z := drift.Score(s.LatencyMS, s.PayloadKB, *sc.baseline)
	newCount := sc.sampleCount + 1
	refreshDue := p.engine.ShouldRecalculate(true, newCount, sc.sinceRefresh+1)

	var built *storage.Baseline
	var tr *drift.Transition
	err := p.withRetry(func() error {
		built, tr = nil, nil
		saved := *sc.machine
		err := p.repo.WithTx(p.ctx, func(tx *storage.Repository) error {
			if err := tx.AppendSample(p.ctx, s); err != nil {
				return err
			}
			rec := storage.ZScoreRecord{
				ServiceID:     sc.serviceID,
				Timestamp:     s.Timestamp,
				LatencyZScore: drift.FiniteZ(z.Latency),
				PayloadZScore: drift.FiniteZ(z.Payload),
				CreatedAt:     s.IngestedAt,
			}
			if err := tx.AppendZScore(p.ctx, rec); err != nil {
				return err
			}
			if t := sc.machine.Observe(z); t != nil {
				tr = t
				if err := p.persistTransition(tx, sc.serviceID, t, s.IngestedAt); err != nil {
					return err
				}
			}
			if refreshDue {
				b, err := p.engine.Compute(p.ctx, tx, sc.serviceID)
				if err != nil {
					return err
				}
				if err := tx.UpsertBaseline(p.ctx, b); err != nil {
					return err
				}
				built = &b
			}
			return nil
		})
		if err != nil {
			*sc.machine = saved
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sc.sampleCount = newCount
	if built != nil {
		sc.baseline = built
		sc.sinceRefresh = 0
	} else {
		sc.sinceRefresh++
	}
	return tr, nil
}

func (p *Pipeline) persistTransition(tx *storage.Repository, serviceID string, t *drift.Transition, at time.Time) error {
	meta := drift.EncodeReason(t.Reason)
	h := storage.HealthState{
		ServiceID:           serviceID,
		State:               t.To,
		TransitionTimestamp: at,
		Metadata:            meta,
	}
	if err := tx.UpsertHealth(p.ctx, h); err != nil {
		return err
	}
	var trigger json.RawMessage
	if len(t.Trigger) > 0 {
		trigger = drift.EncodeTrigger(t.Trigger)
	}
	return tx.AppendDriftEvent(p.ctx, storage.DriftEvent{
		ServiceID:      serviceID,
		DetectedAt:     at,
		PreviousState:  t.From,
		NewState:       t.To,
		TriggerSamples: trigger,
		Metadata:       meta,
	})
}

// Reset returns a service to INSUFFICIENT_DATA, clears its baseline, and
// evicts the in-memory context so the shard worker rehydrates on the next
// sample. The accumulated telemetry stays, so a warm service rebuilds its
// baseline on the very next sample.
func (p *Pipeline) Reset(ctx context.Context, serviceID string) error {
	shard := p.queue.shardIndex(serviceID)
	st := p.shards[shard]
	st.mu.Lock()
	defer st.mu.Unlock()

	err := p.repo.WithTx(ctx, func(tx *storage.Repository) error {
		prev, err := tx.GetHealth(ctx, serviceID)
		if err != nil {
			return err
		}
		if err := tx.DeleteBaseline(ctx, serviceID); err != nil {
			return err
		}
		now := time.Now().UTC()
		meta := drift.EncodeReason(drift.ManualReset{})
		h := storage.HealthState{
			ServiceID:           serviceID,
			State:               storage.StateInsufficientData,
			TransitionTimestamp: now,
			Metadata:            meta,
		}
		if err := tx.UpsertHealth(ctx, h); err != nil {
			return err
		}
		return tx.AppendDriftEvent(ctx, storage.DriftEvent{
			ServiceID:     serviceID,
			DetectedAt:    now,
			PreviousState: prev.State,
			NewState:      storage.StateInsufficientData,
			Metadata:      meta,
		})
	})
	if err != nil {
		return err
	}
	delete(st.contexts, serviceID)
	p.log.Info("service reset", slog.String("service_id", serviceID))
	return nil
}

func (p *Pipeline) dropSample(s storage.Sample, err error) {
	p.met.SamplesDropped.Inc()
	p.log.Error("sample dropped after retries",
		slog.String("service_id", s.ServiceID),
		slog.String("error", err.Error()),
	)
}

// withRetry runs fn up to RetryAttempts+1 times with doubling backoff.
func (p *Pipeline) withRetry(fn func() error) error {
	backoff := p.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-p.ctx.Done():
				return p.ctx.Err()
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
