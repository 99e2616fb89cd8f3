// Package orchestrator drives the learning cycle: ingest an episode, derive
// metrics, decide a focus area, apply a gated adaptation, and record the
// outcome. One orchestrator is constructed per deployment and injected where
// needed; there is no ambient global state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flywheelhq/flywheel/internal/adapt"
	"github.com/flywheelhq/flywheel/internal/audit"
	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/contexts"
	"github.com/flywheelhq/flywheel/internal/decision"
	"github.com/flywheelhq/flywheel/internal/metrics"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("flywheel-engine")

// Orchestrator coordinates one full learning pass per episode.
//
// Concurrency contract: episodes for different agents run fully in parallel;
// episodes for the same agent are serialized through a per-agent mutex
// because context versions and rollback points are single-writer state.
type Orchestrator struct {
	store    store.Store
	contexts *contexts.Manager
	engine   *decision.Engine
	executor *adapt.Executor
	schema   metrics.SchemaVersions
	sink     audit.Sink
	backoff  config.BackoffConfig

	mu     sync.Mutex
	agents map[string]*sync.Mutex
}

// New wires the orchestrator. sink may be nil for no audit output.
func New(s store.Store, cm *contexts.Manager, engine *decision.Engine, executor *adapt.Executor, schema metrics.SchemaVersions, sink audit.Sink, bo config.BackoffConfig) *Orchestrator {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	if bo.MaxElapsed <= 0 {
		bo.MaxElapsed = 10 * time.Second
	}
	return &Orchestrator{
		store:    s,
		contexts: cm,
		engine:   engine,
		executor: executor,
		schema:   schema,
		sink:     sink,
		backoff:  bo,
		agents:   make(map[string]*sync.Mutex),
	}
}

// agentLock returns the mutex serializing one agent's cycles.
func (o *Orchestrator) agentLock(agentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.agents[agentID]
	if !ok {
		mu = &sync.Mutex{}
		o.agents[agentID] = mu
	}
	return mu
}

// retry wraps a persistence write in exponential backoff. The orchestrator
// is the only layer that retries; stores report failures immediately.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.backoff.InitialInterval
	bo.MaxElapsedTime = o.backoff.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// ProcessEpisode runs one full learning cycle. Expected conditions (negative
// evaluations, timeouts, conflicts, duplicates) come back inside the result;
// a returned error means the episode was rejected (*models.ValidationError)
// or infrastructure failed hard.
func (o *Orchestrator) ProcessEpisode(ctx context.Context, ep *models.EpisodeEvent) (*models.CycleResult, error) {
	// Reject malformed episodes before any side effect.
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "learning_cycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("flywheel.agent_id", ep.AgentID),
		attribute.String("flywheel.scenario_id", ep.ScenarioID),
	)

	mu := o.agentLock(ep.AgentID)
	mu.Lock()
	defer mu.Unlock()

	result := &models.CycleResult{
		EpisodeKey: ep.Key(),
		AgentID:    ep.AgentID,
		State:      models.StateReceived,
	}

	fail := func(step string, err error) (*models.CycleResult, error) {
		result.State = models.StateFailed
		result.Error = fmt.Sprintf("%s: %v", step, err)
		o.bumpProgress(ctx, ep, result)
		o.audit(ctx, ep, result)
		return result, fmt.Errorf("%s: %w", step, err)
	}

	// Ingest. Duplicate delivery is not an error: the stored episode wins.
	var duplicate bool
	err := o.retry(ctx, func() error {
		var appendErr error
		duplicate, appendErr = o.store.AppendEpisode(ctx, ep)
		return appendErr
	})
	if err != nil {
		return fail("append episode", err)
	}
	result.Duplicate = duplicate

	// Metrics are computed exactly once per episode; a duplicate reuses the
	// stored row and yields an identical result.
	m, err := o.store.GetMetrics(ctx, ep.Key())
	if err != nil {
		if !store.IsNotFound(err) {
			return fail("load metrics", err)
		}
		computed := metrics.Compute(ep, o.schema)
		m = &computed
		if err := o.retry(ctx, func() error { return o.store.SaveMetrics(ctx, m) }); err != nil {
			return fail("save metrics", err)
		}
	}
	result.Metrics = m
	result.State = models.StateMetricsComputed

	focus, reason := o.engine.Explain(m, ep)
	result.FocusArea = focus
	result.State = models.StateFocusDecided
	log.Debug().
		Str("agent", ep.AgentID).
		Str("episode", ep.Key()).
		Str("focus", string(focus)).
		Str("reason", reason).
		Msg("focus decided")

	// Conflict scan is non-fatal: surfaced, never blocking.
	if cur, err := o.contexts.Current(ctx, ep.AgentID); err == nil {
		result.Conflicts = contexts.ConflictStrings(contexts.DetectConflicts(cur))
	} else {
		log.Warn().Err(err).Str("agent", ep.AgentID).Msg("conflict scan skipped")
	}

	// Dedupe before adaptation: at-least-once delivery may recompute
	// metrics, but it must never re-apply a commit.
	processed, err := o.store.IsProcessed(ctx, ep.Key())
	if err != nil {
		return fail("check processed", err)
	}

	switch {
	case processed:
		result.Duplicate = true
		result.State = models.StateDone
	case !focus.Actionable():
		result.State = models.StateDone
	default:
		result.State = models.StateAdaptationStaged
		adaptation, err := o.executor.Apply(ctx, focus, ep, m)
		if err != nil {
			// The executor has already restored the pre-change state
			// wherever it could; surface the failure.
			return fail("apply adaptation", err)
		}
		result.ChangesApplied = &adaptation.ChangesApplied
		result.EvaluationResult = adaptation.EvaluationResult
		if adaptation.ChangesApplied.RolledBack {
			result.State = models.StateRolledBack
		} else {
			result.State = models.StateCommitted
		}
	}

	if err := o.retry(ctx, func() error { return o.store.MarkProcessed(ctx, ep.Key()) }); err != nil {
		return fail("mark processed", err)
	}

	o.bumpProgress(ctx, ep, result)
	o.audit(ctx, ep, result)

	finalState := result.State
	if finalState == models.StateCommitted || finalState == models.StateRolledBack {
		result.State = models.StateDone
	}
	span.SetAttributes(attribute.String("flywheel.outcome", string(finalState)))
	return result, nil
}

// bumpProgress folds one finished cycle into the agent's counters.
func (o *Orchestrator) bumpProgress(ctx context.Context, ep *models.EpisodeEvent, result *models.CycleResult) {
	p, err := o.store.GetProgress(ctx, ep.AgentID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("agent", ep.AgentID).Msg("progress load failed")
			return
		}
		p = &models.LearningProgress{AgentID: ep.AgentID}
	}

	p.CyclesCompleted++
	p.LastCycleAt = time.Now().UTC()
	p.LastFocusArea = result.FocusArea
	switch result.State {
	case models.StateCommitted:
		p.Committed++
	case models.StateRolledBack:
		p.RolledBack++
	case models.StateFailed:
		p.Failed++
	default:
		// An idempotent replay is not a real no-op cycle; count it apart.
		if result.Duplicate {
			p.Duplicates++
		} else {
			p.NoOp++
		}
	}
	if v, err := o.contexts.Version(ctx, ep.AgentID); err == nil {
		p.ContextVersion = v
	}
	if v, err := o.store.DatasetVersion(ctx, ep.AgentID, models.DatasetSelfLearning); err == nil {
		p.SelfLearningSize = v
	}

	if err := o.retry(ctx, func() error { return o.store.PutProgress(ctx, p) }); err != nil {
		log.Warn().Err(err).Str("agent", ep.AgentID).Msg("progress save failed")
	}
}

// audit emits the decision record. Fire-and-forget by contract.
func (o *Orchestrator) audit(ctx context.Context, ep *models.EpisodeEvent, result *models.CycleResult) {
	o.sink.Record(ctx, &models.AuditRecord{
		ID:               uuid.New().String(),
		AgentID:          ep.AgentID,
		EpisodeKey:       ep.Key(),
		FocusArea:        result.FocusArea,
		State:            result.State,
		ChangesApplied:   result.ChangesApplied,
		EvaluationResult: result.EvaluationResult,
		Conflicts:        result.Conflicts,
		Actor:            audit.ActorFromContext(ctx),
		CreatedAt:        time.Now().UTC(),
	})
}

// ProcessBacklog drains one agent's unprocessed episodes in timestamp order
// through the full cycle.
func (o *Orchestrator) ProcessBacklog(ctx context.Context, agentID string) (*models.BatchResult, error) {
	start := time.Now()
	episodes, err := o.store.ListUnprocessed(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list backlog for %s: %w", agentID, err)
	}

	batch := &models.BatchResult{AgentID: agentID}
	for i := range episodes {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, err := o.ProcessEpisode(ctx, &episodes[i])
		if err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				// A malformed stored episode cannot succeed on retry; skip it.
				log.Warn().Err(err).Str("agent", agentID).Msg("skipping invalid backlog episode")
				continue
			}
			batch.Failed++
			if res != nil {
				batch.Results = append(batch.Results, *res)
			}
			batch.Processed++
			continue
		}
		batch.Processed++
		batch.Results = append(batch.Results, *res)
		switch {
		case res.State == models.StateFailed:
			batch.Failed++
		case res.ChangesApplied == nil:
			batch.NoOp++
		case res.ChangesApplied.RolledBack:
			batch.RolledBack++
		default:
			batch.Committed++
		}
	}
	batch.Duration = time.Since(start)
	return batch, nil
}

// ProcessAllBacklogs drains every agent with pending episodes, with bounded
// parallelism across agents (per-agent ordering is preserved by the
// per-agent locks).
func (o *Orchestrator) ProcessAllBacklogs(ctx context.Context, workers int) ([]models.BatchResult, error) {
	if workers < 1 {
		workers = 4
	}
	agents, err := o.store.ListAgentsWithBacklog(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents with backlog: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.BatchResult
		sem     = make(chan struct{}, workers)
	)
	for _, agentID := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			batch, err := o.ProcessBacklog(ctx, agentID)
			if err != nil {
				log.Warn().Err(err).Str("agent", agentID).Msg("backlog drain failed")
			}
			if batch != nil {
				mu.Lock()
				results = append(results, *batch)
				mu.Unlock()
			}
		}(agentID)
	}
	wg.Wait()
	return results, nil
}

// Progress returns one agent's learning counters; a fresh zero block for
// agents never seen.
func (o *Orchestrator) Progress(ctx context.Context, agentID string) (*models.LearningProgress, error) {
	p, err := o.store.GetProgress(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return &models.LearningProgress{AgentID: agentID}, nil
		}
		return nil, err
	}
	return p, nil
}

// AllProgress returns counters for every agent the engine has processed.
func (o *Orchestrator) AllProgress(ctx context.Context) ([]models.LearningProgress, error) {
	return o.store.ListProgress(ctx)
}
