package audit

import (
	"context"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// storeSinkBuffer is how many records can queue before new ones are dropped.
const storeSinkBuffer = 256

// StoreSink appends audit records to the AuditStore through a single
// background worker, keeping persistence latency off the learning cycle.
// When the buffer is saturated the record is dropped with a warning; audit
// delivery is best-effort by contract.
type StoreSink struct {
	records chan *models.AuditRecord
	done    chan struct{}
	once    sync.Once
}

// NewStoreSink starts the worker.
func NewStoreSink(as store.AuditStore) *StoreSink {
	s := &StoreSink{
		records: make(chan *models.AuditRecord, storeSinkBuffer),
		done:    make(chan struct{}),
	}
	go s.run(as)
	return s
}

func (s *StoreSink) Record(_ context.Context, rec *models.AuditRecord) {
	select {
	case s.records <- rec:
	default:
		log.Warn().Str("episode", rec.EpisodeKey).Msg("audit buffer saturated, record dropped")
	}
}

// Close drains the buffer and stops the worker. Safe to call twice.
func (s *StoreSink) Close() {
	s.once.Do(func() {
		close(s.records)
		<-s.done
	})
}

func (s *StoreSink) run(as store.AuditStore) {
	defer close(s.done)
	for rec := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := as.AppendAudit(ctx, rec); err != nil {
			log.Warn().Err(err).Str("episode", rec.EpisodeKey).Msg("audit append failed")
		}
		cancel()
	}
}

var _ Sink = (*StoreSink)(nil)
