// Package store provides the storage interfaces and implementations for the
// flywheel learning engine. The in-memory store backs tests and single-node
// development; SQLite is the durable default; the agent context chain can
// additionally live in PostgreSQL for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
)

// Store is the primary storage interface for the engine. The orchestrator,
// executor, and handlers depend on this interface so implementations can be
// swapped between in-memory (tests) and SQLite (production).
type Store interface {
	EpisodeStore
	MetricsStore
	DatasetStore
	TemplateStore
	InterfaceConfigStore
	RollbackStore
	AuditStore
	ProgressStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Episode Store ───────────────────────────────────────────

// EpisodeStore is the durable append-only record of episodes per agent.
type EpisodeStore interface {
	// AppendEpisode stores a write-once episode. A duplicate key is not an
	// error: the stored record wins and duplicate=true is returned, which
	// is how at-least-once delivery stays idempotent.
	AppendEpisode(ctx context.Context, ep *models.EpisodeEvent) (duplicate bool, err error)
	GetEpisode(ctx context.Context, key string) (*models.EpisodeEvent, error)

	// ListEpisodes returns up to limit episodes for the agent,
	// most-recent-first.
	ListEpisodes(ctx context.Context, agentID string, limit int) ([]models.EpisodeEvent, error)

	// ListUnprocessed returns the agent's backlog in timestamp order.
	ListUnprocessed(ctx context.Context, agentID string) ([]models.EpisodeEvent, error)

	// MarkProcessed flags an episode as having completed a learning cycle.
	// Duplicate deliveries of a processed episode never re-adapt.
	MarkProcessed(ctx context.Context, key string) error
	IsProcessed(ctx context.Context, key string) (bool, error)

	// ListAgentsWithBacklog returns agent IDs that have unprocessed episodes.
	ListAgentsWithBacklog(ctx context.Context) ([]string, error)

	// ListEpisodesBefore and DeleteEpisodes support retention sweeps.
	ListEpisodesBefore(ctx context.Context, cutoff time.Time) ([]models.EpisodeEvent, error)
	DeleteEpisodes(ctx context.Context, keys []string) error
}

// ── Metrics Store ───────────────────────────────────────────

// MetricsStore holds one immutable DerivedMetrics row per episode.
type MetricsStore interface {
	SaveMetrics(ctx context.Context, m *models.DerivedMetrics) error
	GetMetrics(ctx context.Context, episodeKey string) (*models.DerivedMetrics, error)
}

// ── Dataset Store ───────────────────────────────────────────

// ErrDatasetFrozen is returned on writes to the original collection after
// it has been seeded.
var ErrDatasetFrozen = errors.New("original dataset is frozen")

// DatasetStore manages the per-agent training collections. The original
// collection is seeded once and frozen; self_learning grows by one example
// per committed MODEL adaptation; blended is assembled on demand from the
// other two and never persisted.
type DatasetStore interface {
	SeedOriginal(ctx context.Context, agentID string, examples []models.TrainingExample) error
	// AppendExample upserts by example ID into self_learning. A new ID bumps
	// the dataset version by exactly 1; re-writing an existing ID does not,
	// which keeps commit retries idempotent.
	AppendExample(ctx context.Context, ex *models.TrainingExample) (version int, err error)
	GetDataset(ctx context.Context, agentID string, col models.DatasetCollection) (*models.Dataset, error)
	DatasetVersion(ctx context.Context, agentID string, col models.DatasetCollection) (int, error)
	// TruncateSelfLearning drops the newest examples until the collection is
	// back at the given version. Used when restoring a rollback point.
	TruncateSelfLearning(ctx context.Context, agentID string, version int) error
}

// ── Prompt Template Store ───────────────────────────────────

// TemplateStore keeps the per-agent prompt-template version chain with a
// movable current pointer.
type TemplateStore interface {
	// GetTemplate returns the current template, or ErrNotFound when the
	// agent has none yet.
	GetTemplate(ctx context.Context, agentID string) (*models.PromptTemplate, error)
	// PutTemplate stores a version and points current at it. Re-putting the
	// same version is idempotent.
	PutTemplate(ctx context.Context, t *models.PromptTemplate) error
	// SetCurrentTemplate repoints current to a retained prior version.
	// Version 0 clears the pointer, restoring the state before the first
	// version existed; GetTemplate then reports ErrNotFound again.
	SetCurrentTemplate(ctx context.Context, agentID string, version int) error
}

// ── Interface Config Store ──────────────────────────────────

// InterfaceConfigStore keeps the per-(agent, interface) reliability config
// version chain with a movable current pointer.
type InterfaceConfigStore interface {
	GetInterfaceConfig(ctx context.Context, agentID, iface string) (*models.InterfaceConfig, error)
	PutInterfaceConfig(ctx context.Context, c *models.InterfaceConfig) error
	// SetCurrentInterfaceConfig repoints current; version 0 clears the
	// pointer the way SetCurrentTemplate does.
	SetCurrentInterfaceConfig(ctx context.Context, agentID, iface string, version int) error
}

// ── Rollback Store ──────────────────────────────────────────

// RollbackStore persists rollback points so a crash between staging and a
// confirmed commit can always be recovered to the pre-change state.
type RollbackStore interface {
	SaveRollbackPoint(ctx context.Context, rp *models.RollbackPoint) error
	DeleteRollbackPoint(ctx context.Context, id string) error
	ListRollbackPoints(ctx context.Context, agentID string) ([]models.RollbackPoint, error)
}

// ── Audit Store ─────────────────────────────────────────────

// AuditFilter defines optional filters for listing audit records.
type AuditFilter struct {
	AgentID string
	Focus   models.FocusArea
	Limit   int // max results (default 100)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error)

	// ListAuditBefore and DeleteAudit support retention sweeps.
	ListAuditBefore(ctx context.Context, cutoff time.Time) ([]models.AuditRecord, error)
	DeleteAudit(ctx context.Context, ids []string) error
}

// ── Progress Store ──────────────────────────────────────────

type ProgressStore interface {
	GetProgress(ctx context.Context, agentID string) (*models.LearningProgress, error)
	PutProgress(ctx context.Context, p *models.LearningProgress) error
	ListProgress(ctx context.Context) ([]models.LearningProgress, error)
}

// ── Context Store ───────────────────────────────────────────

// CurrentVersion asks GetContext for whatever version the current pointer
// references.
const CurrentVersion = 0

// ContextStore persists the per-agent AbstractContext version chain. Old
// versions are never mutated in place; the current pointer moves
// independently so a rollback restores a prior version without minting a
// new one. It is a standalone interface (not part of Store) because the
// Context Manager is its only consumer and deployments may back it with a
// different engine than the rest of the state.
type ContextStore interface {
	// GetContext returns the requested version, or the current one when
	// version is CurrentVersion. ErrNotFound when the agent has no context.
	GetContext(ctx context.Context, agentID string, version int) (*models.AbstractContext, error)
	// PutContext appends a new version (c.Version) to the chain and returns
	// it. Re-putting the same version is idempotent; it never repoints
	// current — that is SetCurrentContext's job.
	PutContext(ctx context.Context, c *models.AbstractContext) (int, error)
	SetCurrentContext(ctx context.Context, agentID string, version int) error
	ListContextVersions(ctx context.Context, agentID string) ([]int, error)
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// PersistenceError wraps a failed store operation so callers can retry
// with backoff without losing the cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
