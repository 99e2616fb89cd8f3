package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drains agent backlogs on a fixed interval. It exists for
// deployments where episodes arrive out of band (bulk imports, replayed
// history) rather than through the ingest endpoint.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	workers  int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(orch *Orchestrator, interval time.Duration, workers int) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		workers:  workers,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the drain loop until Stop is called or ctx is cancelled.
// It returns immediately; the loop runs in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log.Info().Dur("interval", s.interval).Msg("backlog scheduler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				batches, err := s.orch.ProcessAllBacklogs(ctx, s.workers)
				if err != nil {
					log.Warn().Err(err).Msg("scheduled backlog drain failed")
					continue
				}
				var processed int
				for _, b := range batches {
					processed += b.Processed
				}
				if processed > 0 {
					log.Info().Int("agents", len(batches)).Int("episodes", processed).Msg("backlog drained")
				}
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight drain to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
