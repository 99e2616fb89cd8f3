// Package retention implements the data retention sweep for the flywheel
// engine. Expired episodes and audit records are archived and then purged
// from the hot store.
//
// Archiving is fail-safe: records are NOT deleted if the archive write
// fails. The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAgeDays is the retention window when the config leaves it unset.
const DefaultMaxAgeDays = 90

// Archiver writes expired records to cold storage and returns the archive
// location. LocalFileArchiver is the default; deployments can plug in
// object-store backends.
type Archiver interface {
	Kind() string
	ArchiveEpisodes(ctx context.Context, episodes []models.EpisodeEvent) (uri string, err error)
	ArchiveAudit(ctx context.Context, records []models.AuditRecord) (uri string, err error)
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in a single retention sweep.
type CycleStats struct {
	EpisodesArchived int
	EpisodesPurged   int
	AuditArchived    int
	AuditPurged      int
	Errors           []error
}

// Janitor periodically archives and purges expired episodes and audit
// records.
type Janitor struct {
	store    store.Store
	archiver Archiver
	maxAge   time.Duration
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewJanitor creates a retention janitor from the loaded configuration.
// archiver may be nil, in which case expired data is purged without
// archiving.
func NewJanitor(s store.Store, archiver Archiver, cfg config.RetentionConfig) *Janitor {
	days := cfg.MaxAgeDays
	if days <= 0 {
		days = DefaultMaxAgeDays
	}
	interval := cfg.Interval
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:    s,
		archiver: archiver,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the janitor loop until Stop is called or ctx is cancelled.
// It returns immediately.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		defer close(j.done)

		kind := "none"
		if j.archiver != nil {
			kind = j.archiver.Kind()
		}
		log.Info().
			Dur("interval", j.interval).
			Dur("max_age", j.maxAge).
			Str("archiver", kind).
			Msg("retention janitor started")

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		// One sweep immediately on startup.
		j.RunCycle(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stop:
				return
			case <-ticker.C:
				j.RunCycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

// RunCycle performs one retention sweep and reports what it did.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	start := time.Now()
	cutoff := start.Add(-j.maxAge)

	expiredEpisodes, err := j.store.ListEpisodesBefore(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention: listing expired episodes failed")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	expiredAudit, err := j.store.ListAuditBefore(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention: listing expired audit records failed")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	if len(expiredEpisodes) == 0 && len(expiredAudit) == 0 {
		return stats
	}

	j.sweepEpisodes(ctx, expiredEpisodes, &stats)
	j.sweepAudit(ctx, expiredAudit, &stats)

	log.Info().
		Int("episodes_archived", stats.EpisodesArchived).
		Int("episodes_purged", stats.EpisodesPurged).
		Int("audit_archived", stats.AuditArchived).
		Int("audit_purged", stats.AuditPurged).
		Int("errors", len(stats.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("retention sweep complete")
	return stats
}

func (j *Janitor) sweepEpisodes(ctx context.Context, episodes []models.EpisodeEvent, stats *CycleStats) {
	if len(episodes) == 0 {
		return
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveEpisodes(ctx, episodes)
		if err != nil {
			// Fail-safe: keep the hot copies when the cold write failed.
			log.Warn().Err(err).Msg("retention: episode archive failed, skipping purge")
			stats.Errors = append(stats.Errors, err)
			return
		}
		stats.EpisodesArchived = len(episodes)
		log.Debug().Str("uri", uri).Int("count", len(episodes)).Msg("episodes archived")
	}

	keys := make([]string, len(episodes))
	for i := range episodes {
		keys[i] = episodes[i].Key()
	}
	if err := j.store.DeleteEpisodes(ctx, keys); err != nil {
		log.Warn().Err(err).Msg("retention: episode purge failed")
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.EpisodesPurged = len(keys)
}

func (j *Janitor) sweepAudit(ctx context.Context, records []models.AuditRecord, stats *CycleStats) {
	if len(records) == 0 {
		return
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveAudit(ctx, records)
		if err != nil {
			log.Warn().Err(err).Msg("retention: audit archive failed, skipping purge")
			stats.Errors = append(stats.Errors, err)
			return
		}
		stats.AuditArchived = len(records)
		log.Debug().Str("uri", uri).Int("count", len(records)).Msg("audit records archived")
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	if err := j.store.DeleteAudit(ctx, ids); err != nil {
		log.Warn().Err(err).Msg("retention: audit purge failed")
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.AuditPurged = len(ids)
}
