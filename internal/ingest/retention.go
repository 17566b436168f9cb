package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/Suvan8806/DriftWatch/internal/storage"
)

// Sweeper periodically purges telemetry and z-score rows past the sample
// retention and drift events past the event retention. Baselines and health
// states are never purged.
type Sweeper struct {
	repo            *storage.Repository
	interval        time.Duration
	sampleRetention time.Duration
	eventRetention  time.Duration
	log             *slog.Logger
}

func NewSweeper(repo *storage.Repository, interval, sampleRetention, eventRetention time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:            repo,
		interval:        interval,
		sampleRetention: sampleRetention,
		eventRetention:  eventRetention,
		log:             log,
	}
}

// Run blocks until ctx is canceled, purging on every interval tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	err := s.repo.Purge(ctx, now.Add(-s.sampleRetention), now.Add(-s.eventRetention))
	if err != nil {
		s.log.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	s.log.Debug("retention sweep complete")
}
