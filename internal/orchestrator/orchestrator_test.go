package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flywheelhq/flywheel/internal/adapt"
	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/internal/contexts"
	"github.com/flywheelhq/flywheel/internal/decision"
	"github.com/flywheelhq/flywheel/internal/shadow"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

type scriptedEvaluator struct {
	result *models.EvaluationResult
	err    error
}

func (s *scriptedEvaluator) ShadowEvaluate(context.Context, string, *models.EpisodeEvent, *models.StagedChange) (*models.EvaluationResult, error) {
	return s.result, s.err
}

// captureSink records every audit record it receives, synchronously.
type captureSink struct {
	mu      sync.Mutex
	records []*models.AuditRecord
}

func (c *captureSink) Record(_ context.Context, rec *models.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) Close() {}

func (c *captureSink) all() []*models.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.AuditRecord, len(c.records))
	copy(out, c.records)
	return out
}

func newTestOrchestrator(ev shadow.Evaluator, sink *captureSink) (*Orchestrator, *store.MemoryStore) {
	s := store.NewMemoryStore("")
	cm := contexts.NewManager(s, 10)
	engine := decision.NewEngine(decision.DefaultThresholds())
	executor := adapt.NewExecutor(s, cm, ev, nil, time.Second)
	bo := config.BackoffConfig{InitialInterval: time.Millisecond, MaxElapsed: 50 * time.Millisecond}
	var as *Orchestrator
	if sink != nil {
		as = New(s, cm, engine, executor, nil, sink, bo)
	} else {
		as = New(s, cm, engine, executor, nil, nil, bo)
	}
	return as, s
}

// healthyEpisode trips no decision rule: retrieval above the utility floor,
// no classification results, no interfaces, no verdict variance.
func healthyEpisode(agent string, ts time.Time) *models.EpisodeEvent {
	return &models.EpisodeEvent{
		AgentID:    agent,
		ScenarioID: "s1",
		Timestamp:  ts,
		UserIntent: "summarize the weekly report",
		RetrievedContext: models.RetrievedContext{
			Retrieved:    8,
			TotalQueries: 10,
			TotalItems:   10,
		},
	}
}

// modelFocusEpisode carries classification results bad enough to trip the
// MODEL rule.
func modelFocusEpisode(agent string, ts time.Time) *models.EpisodeEvent {
	ep := healthyEpisode(agent, ts)
	ep.Prompts = []string{"classify the invoice"}
	ep.UserVerdict = models.VerdictNeedsImprovement
	ep.ActualResults = map[string]any{
		"predicted_categories": []string{"urgent", "routine"},
		"actual_categories":    []string{"routine", "urgent"},
	}
	return ep
}

func TestHealthyEpisodeIsNoOp(t *testing.T) {
	sink := &captureSink{}
	o, s := newTestOrchestrator(&scriptedEvaluator{}, sink)
	ctx := context.Background()
	ep := healthyEpisode("a1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	res, err := o.ProcessEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("ProcessEpisode: %v", err)
	}
	if res.State != models.StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
	if res.FocusArea != models.FocusNone {
		t.Errorf("expected NONE focus, got %s", res.FocusArea)
	}
	if res.ChangesApplied != nil {
		t.Errorf("no-op cycle must not apply changes: %+v", res.ChangesApplied)
	}

	processed, err := s.IsProcessed(ctx, ep.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !processed {
		t.Error("episode must be marked processed")
	}

	p, err := o.Progress(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CyclesCompleted != 1 || p.NoOp != 1 {
		t.Errorf("unexpected progress: %+v", p)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recs))
	}
	if recs[0].Actor != "system" {
		t.Errorf("default actor should be system, got %q", recs[0].Actor)
	}
}

func TestInvalidEpisodeRejectedWithoutSideEffects(t *testing.T) {
	o, s := newTestOrchestrator(&scriptedEvaluator{}, nil)
	ctx := context.Background()
	ep := &models.EpisodeEvent{ScenarioID: "s1", Timestamp: time.Now()}

	_, err := o.ProcessEpisode(ctx, ep)
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "agent_id" {
		t.Errorf("expected agent_id violation, got %s", ve.Field)
	}

	episodes, err := s.ListEpisodes(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(episodes) != 0 {
		t.Errorf("rejected episode must not be stored, found %d", len(episodes))
	}
}

func TestModelFocusCommitsAdaptation(t *testing.T) {
	ev := &scriptedEvaluator{result: &models.EvaluationResult{
		Improvement:        0.1,
		ConfidenceInterval: models.ConfidenceInterval{Low: 0.02, High: 0.18},
	}}
	sink := &captureSink{}
	o, s := newTestOrchestrator(ev, sink)
	ctx := context.Background()
	ep := modelFocusEpisode("a1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	res, err := o.ProcessEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("ProcessEpisode: %v", err)
	}
	if res.FocusArea != models.FocusModel {
		t.Fatalf("expected MODEL focus, got %s", res.FocusArea)
	}
	if res.State != models.StateDone {
		t.Errorf("expected DONE, got %s", res.State)
	}
	if res.ChangesApplied == nil || res.ChangesApplied.RolledBack {
		t.Fatalf("expected a committed change, got %+v", res.ChangesApplied)
	}
	if res.ChangesApplied.DatasetVersion != 1 {
		t.Errorf("expected dataset version 1, got %d", res.ChangesApplied.DatasetVersion)
	}

	p, err := o.Progress(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Committed != 1 {
		t.Errorf("expected 1 committed cycle, got %+v", p)
	}
	if p.SelfLearningSize != 1 {
		t.Errorf("expected self-learning size 1, got %d", p.SelfLearningSize)
	}

	recs := sink.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recs))
	}
	if recs[0].State != models.StateCommitted {
		t.Errorf("audit record should carry the commit state, got %s", recs[0].State)
	}
	if recs[0].EvaluationResult == nil {
		t.Error("audit record missing evaluation result")
	}

	version, _ := s.DatasetVersion(ctx, "a1", models.DatasetSelfLearning)
	if version != 1 {
		t.Errorf("expected dataset version 1 in store, got %d", version)
	}
}

func TestNegativeEvaluationRecordsRollback(t *testing.T) {
	ev := &scriptedEvaluator{result: &models.EvaluationResult{
		Improvement:        -0.05,
		ConfidenceInterval: models.ConfidenceInterval{Low: -0.1, High: 0.0},
	}}
	o, _ := newTestOrchestrator(ev, nil)
	ctx := context.Background()
	ep := modelFocusEpisode("a1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	res, err := o.ProcessEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("ProcessEpisode: %v", err)
	}
	if res.ChangesApplied == nil || !res.ChangesApplied.RolledBack {
		t.Fatalf("expected a rollback, got %+v", res.ChangesApplied)
	}

	p, err := o.Progress(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.RolledBack != 1 {
		t.Errorf("expected 1 rolled-back cycle, got %+v", p)
	}
}

func TestDuplicateDeliveryNeverReAdapts(t *testing.T) {
	ev := &scriptedEvaluator{result: &models.EvaluationResult{
		Improvement:        0.1,
		ConfidenceInterval: models.ConfidenceInterval{Low: 0.02, High: 0.18},
	}}
	o, s := newTestOrchestrator(ev, nil)
	ctx := context.Background()
	ep := modelFocusEpisode("a1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	first, err := o.ProcessEpisode(ctx, ep)
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate {
		t.Error("first delivery flagged duplicate")
	}

	second, err := o.ProcessEpisode(ctx, ep)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Error("second delivery must be flagged duplicate")
	}
	if second.Metrics == nil {
		t.Error("duplicate delivery must still return metrics")
	}
	if second.ChangesApplied != nil {
		t.Errorf("duplicate delivery must not re-adapt: %+v", second.ChangesApplied)
	}

	version, _ := s.DatasetVersion(ctx, "a1", models.DatasetSelfLearning)
	if version != 1 {
		t.Errorf("dataset must stay at version 1, got %d", version)
	}

	// The replay is tallied apart from genuine no-op cycles.
	p, err := o.Progress(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CyclesCompleted != 2 {
		t.Errorf("CyclesCompleted = %d, want 2", p.CyclesCompleted)
	}
	if p.Committed != 1 {
		t.Errorf("Committed = %d, want 1", p.Committed)
	}
	if p.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", p.Duplicates)
	}
	if p.NoOp != 0 {
		t.Errorf("NoOp = %d, want 0", p.NoOp)
	}
}

func TestProcessBacklogDrainsInOrder(t *testing.T) {
	o, s := newTestOrchestrator(&scriptedEvaluator{}, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Ingest out of timestamp order; the backlog drain re-sorts.
	for _, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		if _, err := s.AppendEpisode(ctx, healthyEpisode("a1", base.Add(offset))); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := o.ProcessBacklog(ctx, "a1")
	if err != nil {
		t.Fatalf("ProcessBacklog: %v", err)
	}
	if batch.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", batch.Processed)
	}
	if batch.NoOp != 3 {
		t.Errorf("expected 3 no-ops, got %+v", batch)
	}
	for i := 1; i < len(batch.Results); i++ {
		if batch.Results[i-1].EpisodeKey >= batch.Results[i].EpisodeKey {
			t.Errorf("backlog not drained in timestamp order: %s before %s",
				batch.Results[i-1].EpisodeKey, batch.Results[i].EpisodeKey)
		}
	}

	agents, err := s.ListAgentsWithBacklog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 0 {
		t.Errorf("backlog should be empty after a drain, got %v", agents)
	}
}

func TestProcessAllBacklogsCoversEveryAgent(t *testing.T) {
	o, s := newTestOrchestrator(&scriptedEvaluator{}, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, agent := range []string{"a1", "a2", "a3"} {
		if _, err := s.AppendEpisode(ctx, healthyEpisode(agent, base)); err != nil {
			t.Fatal(err)
		}
	}

	batches, err := o.ProcessAllBacklogs(ctx, 2)
	if err != nil {
		t.Fatalf("ProcessAllBacklogs: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	seen := make(map[string]bool)
	for _, b := range batches {
		seen[b.AgentID] = true
		if b.Processed != 1 {
			t.Errorf("agent %s: expected 1 processed, got %d", b.AgentID, b.Processed)
		}
	}
	for _, agent := range []string{"a1", "a2", "a3"} {
		if !seen[agent] {
			t.Errorf("agent %s missing from batch results", agent)
		}
	}
}

func TestProgressForUnknownAgentIsZero(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedEvaluator{}, nil)

	p, err := o.Progress(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.AgentID != "never-seen" || p.CyclesCompleted != 0 {
		t.Errorf("expected zero progress, got %+v", p)
	}
}
