// Package audit delivers a structured record of every learning decision to
// external reporting. Delivery is fire-and-forget: sinks never return errors
// to the caller and never sit on the commit critical path.
package audit

import (
	"context"

	"github.com/flywheelhq/flywheel/pkg/models"
)

type actorKey struct{}

// WithActor tags the context with the caller identity recorded on audit
// records. The HTTP layer sets it from the X-Actor header.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the tagged actor, defaulting to "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Sink receives one record per processed episode.
type Sink interface {
	// Record accepts the record for asynchronous delivery. It must not
	// block on downstream I/O.
	Record(ctx context.Context, rec *models.AuditRecord)
	// Close drains buffered records and stops workers.
	Close()
}

// NopSink discards everything. Used when no audit destination is configured
// and in tests that do not care about audit output.
type NopSink struct{}

func (NopSink) Record(context.Context, *models.AuditRecord) {}
func (NopSink) Close()                                      {}

// MultiSink fans one record out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec *models.AuditRecord) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}

func (m MultiSink) Close() {
	for _, s := range m {
		s.Close()
	}
}
