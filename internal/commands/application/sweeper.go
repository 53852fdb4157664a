package application

import (
	"context"
	"log"
	"time"

	"droidfleet-cloud/internal/observability/metrics"
)

const (
	defaultSweepInterval = 15 * time.Second
)

// Sweeper expires commands whose TTL has elapsed, independent of device polling.
type Sweeper struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *log.Logger
}

// NewSweeper constructs a Sweeper. Non-positive interval or batch use defaults.
func NewSweeper(service *Service, interval time.Duration, batch int, logger *log.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{service: service, interval: interval, batch: batch, logger: logger}
}

// Start runs a pass every interval until ctx is cancelled. Failed passes are
// logged and the loop continues.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("command sweep error: err=%v", err)
			}
		}
	}
}

// RunOnce expires due commands in batches until a short batch, returning the
// number expired.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			metrics.ObserveSweep(metrics.ResultError, time.Since(start))
			return total, err
		}
		expired, err := s.service.ExpireDue(ctx, s.batch)
		if err != nil {
			metrics.ObserveSweep(metrics.ResultError, time.Since(start))
			return total, err
		}
		total += len(expired)
		if len(expired) < s.batch {
			break
		}
	}
	metrics.ObserveSweep(metrics.ResultSuccess, time.Since(start))
	if total > 0 {
		s.logger.Printf("command sweep: expired=%d", total)
	}
	return total, nil
}
