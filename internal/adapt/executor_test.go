package adapt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flywheelhq/flywheel/internal/contexts"
	"github.com/flywheelhq/flywheel/internal/shadow"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
)

// scriptedEvaluator returns a fixed result (or error) for every call.
type scriptedEvaluator struct {
	result *models.EvaluationResult
	err    error
	calls  int
}

func (s *scriptedEvaluator) ShadowEvaluate(context.Context, string, *models.EpisodeEvent, *models.StagedChange) (*models.EvaluationResult, error) {
	s.calls++
	return s.result, s.err
}

func positiveEval() *models.EvaluationResult {
	return &models.EvaluationResult{
		Improvement:        0.1,
		ConfidenceInterval: models.ConfidenceInterval{Low: 0.02, High: 0.18},
	}
}

func negativeEval() *models.EvaluationResult {
	return &models.EvaluationResult{
		Improvement:        -0.05,
		ConfidenceInterval: models.ConfidenceInterval{Low: -0.1, High: 0.0},
	}
}

func testEpisode() *models.EpisodeEvent {
	return &models.EpisodeEvent{
		AgentID:     "a1",
		ScenarioID:  "s1",
		Timestamp:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		UserIntent:  "keep refunds under review",
		Prompts:     []string{"please check the refund"},
		ModelOutput: "refund flagged for review",
		UserVerdict: models.VerdictMixed,
	}
}

func newExecutor(ev shadow.Evaluator) (*Executor, *store.MemoryStore, *contexts.Manager) {
	s := store.NewMemoryStore("")
	cm := contexts.NewManager(s, 10)
	return NewExecutor(s, cm, ev, nil, time.Second), s, cm
}

// faultyContextStore fails context writes on demand so commits can be made
// to break partway through.
type faultyContextStore struct {
	store.ContextStore
	failPut bool
}

func (f *faultyContextStore) PutContext(ctx context.Context, c *models.AbstractContext) (int, error) {
	if f.failPut {
		return 0, errors.New("context store unavailable")
	}
	return f.ContextStore.PutContext(ctx, c)
}

// newFaultyExecutor routes the context manager through faultyContextStore
// while the executor keeps writing to the raw store underneath.
func newFaultyExecutor(ev shadow.Evaluator) (*Executor, *store.MemoryStore, *faultyContextStore) {
	s := store.NewMemoryStore("")
	fcs := &faultyContextStore{ContextStore: s}
	cm := contexts.NewManager(fcs, 10)
	return NewExecutor(s, cm, ev, nil, time.Second), s, fcs
}

func TestNegativeEvaluationRollsBack(t *testing.T) {
	ev := &scriptedEvaluator{result: negativeEval()}
	ex, s, cm := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	preContext, err := cm.Current(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	preDataset, _ := s.DatasetVersion(ctx, ep.AgentID, models.DatasetSelfLearning)

	res, err := ex.Apply(ctx, models.FocusModel, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.ChangesApplied.RolledBack {
		t.Error("negative evaluation must roll back")
	}

	postContext, err := cm.Current(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if postContext.Version != preContext.Version {
		t.Errorf("context version changed across a rollback: %d -> %d", preContext.Version, postContext.Version)
	}
	postDataset, _ := s.DatasetVersion(ctx, ep.AgentID, models.DatasetSelfLearning)
	if postDataset != preDataset {
		t.Errorf("dataset version changed across a rollback: %d -> %d", preDataset, postDataset)
	}

	points, err := s.ListRollbackPoints(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 0 {
		t.Errorf("rollback point must be consumed, found %d", len(points))
	}
}

func TestModelCommitAppendsExample(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	res, err := ex.Apply(ctx, models.FocusModel, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.ChangesApplied.RolledBack {
		t.Fatal("positive evaluation must commit")
	}
	if res.ChangesApplied.DatasetVersion != 1 {
		t.Errorf("expected dataset version 1, got %d", res.ChangesApplied.DatasetVersion)
	}

	ds, err := s.GetDataset(ctx, ep.AgentID, models.DatasetSelfLearning)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Examples) != 1 {
		t.Fatalf("expected 1 example, got %d", len(ds.Examples))
	}
	got := ds.Examples[0]
	if got.Prompt != "please check the refund" {
		t.Errorf("example prompt should be the last episode prompt, got %q", got.Prompt)
	}
	if got.QualityScore != 0.6 {
		t.Errorf("expected quality 0.6 from mixed verdict, got %v", got.QualityScore)
	}

	points, _ := s.ListRollbackPoints(ctx, ep.AgentID)
	if len(points) != 0 {
		t.Errorf("rollback point must be deleted after commit, found %d", len(points))
	}
}

func TestCommitMonotonicity(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ep := testEpisode()
		ep.Timestamp = ep.Timestamp.Add(time.Duration(i) * time.Minute)
		res, err := ex.Apply(ctx, models.FocusModel, ep, &models.DerivedMetrics{})
		if err != nil {
			t.Fatal(err)
		}
		if res.ChangesApplied.DatasetVersion != i {
			t.Errorf("commit %d: expected dataset version %d, got %d", i, i, res.ChangesApplied.DatasetVersion)
		}
	}

	version, err := s.DatasetVersion(ctx, "a1", models.DatasetSelfLearning)
	if err != nil {
		t.Fatal(err)
	}
	if version != 3 {
		t.Errorf("expected final dataset version 3, got %d", version)
	}
}

func TestContextCommitIsComprehensive(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, _, cm := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	res, err := ex.Apply(ctx, models.FocusContext, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangesApplied.ContextVersion != 1 {
		t.Errorf("expected context version 1, got %d", res.ChangesApplied.ContextVersion)
	}

	c, err := cm.Current(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if c.UpdateSource != models.UpdateComprehensive {
		t.Errorf("CONTEXT adaptation must use the comprehensive mode, got %s", c.UpdateSource)
	}
	if len(c.Commitments) != 1 {
		t.Errorf("commitment missing after CONTEXT commit: %v", c.Commitments)
	}
}

func TestPromptCommitRevisesTemplate(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	res, err := ex.Apply(ctx, models.FocusPrompt, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangesApplied.TemplateVersion != 1 {
		t.Errorf("expected template version 1, got %d", res.ChangesApplied.TemplateVersion)
	}

	tpl, err := s.GetTemplate(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if tpl.Version != 1 || tpl.Body == "" {
		t.Errorf("unexpected template: %+v", tpl)
	}

	// A second PROMPT adaptation revises on top of version 1.
	ep2 := testEpisode()
	ep2.Timestamp = ep2.Timestamp.Add(time.Minute)
	res, err = ex.Apply(ctx, models.FocusPrompt, ep2, &models.DerivedMetrics{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangesApplied.TemplateVersion != 2 {
		t.Errorf("expected template version 2, got %d", res.ChangesApplied.TemplateVersion)
	}
}

func TestInterfaceCommitTunesWorstInterface(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()
	m := &models.DerivedMetrics{
		InterfaceErrorRates: map[string]float64{"ERP": 0.25, "CRM": 0.02},
	}

	res, err := ex.Apply(ctx, models.FocusInterface, ep, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangesApplied.Interface != "ERP" {
		t.Errorf("expected worst interface ERP, got %s", res.ChangesApplied.Interface)
	}
	if res.ChangesApplied.InterfaceConfigVersion != 1 {
		t.Errorf("expected config version 1, got %d", res.ChangesApplied.InterfaceConfigVersion)
	}

	cfg, err := s.GetInterfaceConfig(ctx, ep.AgentID, "ERP")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("expected retries bumped to 2, got %d", cfg.MaxRetries)
	}
	if cfg.InitialBackoff != 2*time.Second {
		t.Errorf("expected doubled backoff 2s, got %v", cfg.InitialBackoff)
	}
	if cfg.BreakerThreshold != 4 {
		t.Errorf("expected tightened breaker 4, got %d", cfg.BreakerThreshold)
	}
}

func TestEvaluationTimeoutRollsBack(t *testing.T) {
	ev := &scriptedEvaluator{err: shadow.ErrEvaluationTimeout}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	res, err := ex.Apply(ctx, models.FocusModel, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatalf("a timeout is an expected condition, not an error: %v", err)
	}
	if !res.ChangesApplied.RolledBack {
		t.Error("timeout must roll back")
	}
	if res.ChangesApplied.Detail != "evaluation timed out" {
		t.Errorf("unexpected detail: %q", res.ChangesApplied.Detail)
	}

	version, _ := s.DatasetVersion(ctx, ep.AgentID, models.DatasetSelfLearning)
	if version != 0 {
		t.Errorf("dataset must be untouched after timeout, version %d", version)
	}
}

func TestCommitFailureClearsFirstTemplate(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, fcs := newFaultyExecutor(ev)
	fcs.failPut = true
	ctx := context.Background()
	ep := testEpisode()

	// The template write lands, then the incremental context update fails.
	res, err := ex.Apply(ctx, models.FocusPrompt, ep, &models.DerivedMetrics{})
	if err == nil {
		t.Fatal("a failed commit must surface its error")
	}
	if !res.ChangesApplied.RolledBack {
		t.Error("failed commit must report a rollback")
	}
	if _, err := s.GetTemplate(ctx, ep.AgentID); !store.IsNotFound(err) {
		t.Errorf("agent had no template before the cycle, rollback must clear it, got %v", err)
	}
}

func TestCommitFailureClearsFirstInterfaceConfig(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, fcs := newFaultyExecutor(ev)
	fcs.failPut = true
	ctx := context.Background()
	ep := testEpisode()
	m := &models.DerivedMetrics{InterfaceErrorRates: map[string]float64{"ERP": 0.25}}

	res, err := ex.Apply(ctx, models.FocusInterface, ep, m)
	if err == nil {
		t.Fatal("a failed commit must surface its error")
	}
	if !res.ChangesApplied.RolledBack {
		t.Error("failed commit must report a rollback")
	}
	if _, err := s.GetInterfaceConfig(ctx, ep.AgentID, "ERP"); !store.IsNotFound(err) {
		t.Errorf("agent had no ERP config before the cycle, rollback must clear it, got %v", err)
	}
}

func TestCommitFailureRepointsPriorTemplate(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, fcs := newFaultyExecutor(ev)
	ctx := context.Background()

	// Seed template version 1 through a clean PROMPT adaptation.
	ep := testEpisode()
	if _, err := ex.Apply(ctx, models.FocusPrompt, ep, &models.DerivedMetrics{}); err != nil {
		t.Fatalf("seed adaptation: %v", err)
	}

	fcs.failPut = true
	ep2 := testEpisode()
	ep2.Timestamp = ep2.Timestamp.Add(time.Minute)
	if _, err := ex.Apply(ctx, models.FocusPrompt, ep2, &models.DerivedMetrics{}); err == nil {
		t.Fatal("a failed commit must surface its error")
	}

	tpl, err := s.GetTemplate(ctx, ep.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if tpl.Version != 1 {
		t.Errorf("rollback must repoint to version 1, current is %d", tpl.Version)
	}
}

func TestNoOpFocusDoesNothing(t *testing.T) {
	ev := &scriptedEvaluator{result: positiveEval()}
	ex, s, _ := newExecutor(ev)
	ctx := context.Background()
	ep := testEpisode()

	res, err := ex.Apply(ctx, models.FocusNone, ep, &models.DerivedMetrics{})
	if err != nil {
		t.Fatal(err)
	}
	if ev.calls != 0 {
		t.Error("no-op focus must not evaluate")
	}
	if res.EvaluationResult != nil {
		t.Error("no-op focus must not carry an evaluation result")
	}
	points, _ := s.ListRollbackPoints(ctx, ep.AgentID)
	if len(points) != 0 {
		t.Error("no-op focus must not record a rollback point")
	}
}
