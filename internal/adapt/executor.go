// Package adapt produces, verifies, and commits (or reverts) bounded
// corrections. The safety invariant lives here: no change persists without a
// rollback point recorded first and a positive, statistically supported
// shadow evaluation after.
package adapt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flywheelhq/flywheel/internal/contexts"
	"github.com/flywheelhq/flywheel/internal/decision"
	"github.com/flywheelhq/flywheel/internal/shadow"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxRetries caps how far an INTERFACE adaptation can push the retry budget.
const maxRetries = 5

// minBreakerThreshold is the floor when tightening a circuit breaker.
const minBreakerThreshold = 3

// defaultQuality is the training-example quality when the episode carries
// neither verdict nor KPI signal.
const defaultQuality = 0.5

// Executor applies one bounded correction per actionable focus area.
type Executor struct {
	store     store.Store
	contexts  *contexts.Manager
	evaluator shadow.Evaluator
	retrainer shadow.Retrainer
	timeout   time.Duration
}

// NewExecutor wires the executor. timeout bounds each shadow evaluation; a
// non-positive value defaults to 30s.
func NewExecutor(s store.Store, cm *contexts.Manager, ev shadow.Evaluator, rt shadow.Retrainer, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if rt == nil {
		rt = shadow.NopRetrainer{}
	}
	return &Executor{store: s, contexts: cm, evaluator: ev, retrainer: rt, timeout: timeout}
}

// Apply runs one adaptation for the decided focus area:
// rollback point → staged change → shadow evaluation → commit or rollback.
// Expected failures (timeouts, negative evaluations) come back inside the
// result; only infrastructure errors are returned as errors.
func (e *Executor) Apply(ctx context.Context, focus models.FocusArea, ep *models.EpisodeEvent, m *models.DerivedMetrics) (*models.AdaptationResult, error) {
	if !focus.Actionable() {
		return &models.AdaptationResult{FocusArea: focus}, nil
	}

	// 1. Rollback point: capture every pre-change version pointer before
	// anything else happens.
	rp, err := e.takeRollbackPoint(ctx, focus, ep, m)
	if err != nil {
		return nil, err
	}

	// 2. Staged change, held in memory only.
	staged, err := e.stage(ctx, focus, ep, m, rp)
	if err != nil {
		return nil, err
	}

	// 3. Shadow evaluation under a hard deadline. A timeout or transport
	// error is a failed evaluation, never an implicit commit.
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	eval, evalErr := e.evaluator.ShadowEvaluate(evalCtx, ep.AgentID, ep, staged)
	cancel()

	result := &models.AdaptationResult{FocusArea: focus, EvaluationResult: eval}

	// 4. The commit gate.
	if evalErr != nil || !eval.Positive() {
		if evalErr != nil {
			detail := "evaluation failed: " + evalErr.Error()
			if errors.Is(evalErr, shadow.ErrEvaluationTimeout) {
				detail = "evaluation timed out"
			}
			result.ChangesApplied.Detail = detail
			log.Warn().Err(evalErr).Str("agent", ep.AgentID).Str("focus", string(focus)).Msg("shadow evaluation failed, rolling back")
		} else {
			result.ChangesApplied.Detail = fmt.Sprintf(
				"confidence interval low %.4f not above zero", eval.ConfidenceInterval.Low)
		}
		if err := e.rollback(ctx, rp); err != nil {
			return result, err
		}
		result.ChangesApplied.RolledBack = true
		return result, nil
	}

	// 5. Commit. Any persistence failure here still rolls back: the
	// rollback point has not been consumed yet.
	if err := e.commit(ctx, staged, ep, rp, result); err != nil {
		if rbErr := e.rollback(ctx, rp); rbErr != nil {
			return result, fmt.Errorf("commit failed (%v) and rollback failed: %w", err, rbErr)
		}
		result.ChangesApplied = models.ChangesApplied{
			RolledBack: true,
			Detail:     "commit failed, restored pre-change state: " + err.Error(),
		}
		return result, err
	}

	if err := e.store.DeleteRollbackPoint(ctx, rp.ID); err != nil {
		// The commit is confirmed; a leftover rollback point is harmless
		// and cleaned up on the next cycle.
		log.Warn().Err(err).Str("rollback_point", rp.ID).Msg("failed to delete consumed rollback point")
	}
	return result, nil
}

// takeRollbackPoint snapshots the version pointers relevant to the focus
// area and persists the snapshot before any change is staged.
func (e *Executor) takeRollbackPoint(ctx context.Context, focus models.FocusArea, ep *models.EpisodeEvent, m *models.DerivedMetrics) (*models.RollbackPoint, error) {
	rp := &models.RollbackPoint{
		ID:         uuid.New().String(),
		AgentID:    ep.AgentID,
		EpisodeKey: ep.Key(),
		FocusArea:  focus,
		TakenAt:    time.Now().UTC(),
	}

	ctxVersion, err := e.contexts.Version(ctx, ep.AgentID)
	if err != nil {
		return nil, fmt.Errorf("capture context version: %w", err)
	}
	rp.ContextVersion = ctxVersion

	dsVersion, err := e.store.DatasetVersion(ctx, ep.AgentID, models.DatasetSelfLearning)
	if err != nil && !store.IsNotFound(err) {
		return nil, fmt.Errorf("capture dataset version: %w", err)
	}
	rp.DatasetVersion = dsVersion

	if t, err := e.store.GetTemplate(ctx, ep.AgentID); err == nil {
		rp.TemplateVersion = t.Version
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("capture template version: %w", err)
	}

	if iface, _, ok := decision.WorstInterface(m.InterfaceErrorRates); ok {
		rp.Interface = iface
		if c, err := e.store.GetInterfaceConfig(ctx, ep.AgentID, iface); err == nil {
			rp.InterfaceConfigVersion = c.Version
		} else if !store.IsNotFound(err) {
			return nil, fmt.Errorf("capture interface config version: %w", err)
		}
	}

	if err := e.store.SaveRollbackPoint(ctx, rp); err != nil {
		return nil, &store.PersistenceError{Op: "save rollback point", Err: err}
	}
	return rp, nil
}

// stage builds the candidate change for the focus area. Nothing is written.
func (e *Executor) stage(ctx context.Context, focus models.FocusArea, ep *models.EpisodeEvent, m *models.DerivedMetrics, rp *models.RollbackPoint) (*models.StagedChange, error) {
	staged := &models.StagedChange{FocusArea: focus}

	switch focus {
	case models.FocusModel:
		staged.TrainingExample = e.buildExample(ep)
		staged.Summary = "append training example to self_learning"

	case models.FocusContext:
		patch, err := e.contexts.StageComprehensive(ctx, ep)
		if err != nil {
			return nil, err
		}
		staged.ContextPatch = patch
		staged.Summary = fmt.Sprintf("comprehensive context update to version %d", patch.Version)

	case models.FocusPrompt:
		staged.Template = e.buildTemplate(ctx, ep, rp)
		staged.Summary = fmt.Sprintf("prompt template revision %d", staged.Template.Version)

	case models.FocusInterface:
		cfg, err := e.buildInterfaceConfig(ctx, ep, m)
		if err != nil {
			return nil, err
		}
		staged.InterfaceConfig = cfg
		staged.Summary = fmt.Sprintf("reliability tune for %s to version %d", cfg.Interface, cfg.Version)
	}

	return staged, nil
}

// buildExample derives a self-learning training example from the episode:
// the last prompt (or user intent), the expected response when the episode
// carries one, and a quality score from verdicts or KPIs.
func (e *Executor) buildExample(ep *models.EpisodeEvent) *models.TrainingExample {
	prompt := ep.UserIntent
	if len(ep.Prompts) > 0 {
		prompt = ep.Prompts[len(ep.Prompts)-1]
	}

	target := ep.ModelOutput
	if expected, ok := ep.ActualResults["expected_response"].(string); ok && expected != "" {
		target = expected
	}

	quality := defaultQuality
	if v, ok := ep.VerdictScore(); ok {
		quality = v
	} else if len(ep.KPIs) > 0 {
		var sum float64
		keys := make([]string, 0, len(ep.KPIs))
		for k := range ep.KPIs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sum += clamp01(ep.KPIs[k])
		}
		quality = sum / float64(len(keys))
	}

	return &models.TrainingExample{
		ID:             uuid.New().String(),
		AgentID:        ep.AgentID,
		Prompt:         prompt,
		TargetResponse: target,
		ModelOutput:    ep.ModelOutput,
		QualityScore:   quality,
		Role:           "self_learning",
		CreatedAt:      time.Now().UTC(),
	}
}

// basePromptTemplate seeds agents that have no template version yet.
const basePromptTemplate = "You are a careful assistant. Ground every answer in the retrieved context and state uncertainty explicitly."

// buildTemplate produces a deterministic template revision: the current body
// plus a response-constraints section derived from the episode's unstable
// prompts.
func (e *Executor) buildTemplate(ctx context.Context, ep *models.EpisodeEvent, rp *models.RollbackPoint) *models.PromptTemplate {
	body := basePromptTemplate
	version := 1
	if cur, err := e.store.GetTemplate(ctx, ep.AgentID); err == nil {
		body = cur.Body
		version = cur.Version + 1
	} else {
		version = rp.TemplateVersion + 1
	}

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n## Response constraints\n")
	b.WriteString("- Treat rephrased questions identically: answer from the same evidence regardless of wording.\n")
	b.WriteString("- State a single confidence estimate and keep it consistent across near-duplicate prompts.\n")
	if ep.UserIntent != "" {
		fmt.Fprintf(&b, "- Known unstable intent: %q.\n", ep.UserIntent)
	}

	return &models.PromptTemplate{
		AgentID:   ep.AgentID,
		Version:   version,
		Body:      b.String(),
		CreatedAt: time.Now().UTC(),
	}
}

// buildInterfaceConfig produces a bounded reliability tune for the worst
// interface: one more retry (capped), a doubled initial backoff (capped at
// the max), and a tightened breaker threshold (floored).
func (e *Executor) buildInterfaceConfig(ctx context.Context, ep *models.EpisodeEvent, m *models.DerivedMetrics) (*models.InterfaceConfig, error) {
	iface, _, ok := decision.WorstInterface(m.InterfaceErrorRates)
	if !ok {
		return nil, fmt.Errorf("interface focus without interface error rates for %s", ep.AgentID)
	}

	cur, err := e.store.GetInterfaceConfig(ctx, ep.AgentID, iface)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("load interface config: %w", err)
		}
		cur = models.DefaultInterfaceConfig(ep.AgentID, iface)
		cur.Version = 0
	}

	next := *cur
	next.Version = cur.Version + 1
	if next.MaxRetries < maxRetries {
		next.MaxRetries++
	}
	next.InitialBackoff = cur.InitialBackoff * 2
	if next.InitialBackoff > cur.MaxBackoff {
		next.InitialBackoff = cur.MaxBackoff
	}
	if next.BreakerThreshold > minBreakerThreshold {
		next.BreakerThreshold--
	}
	return &next, nil
}

// commit applies the staged writes. Every write is idempotent (uuid upserts,
// versioned puts), so a crash-and-retry between here and the rollback-point
// delete re-applies the same state.
func (e *Executor) commit(ctx context.Context, staged *models.StagedChange, ep *models.EpisodeEvent, rp *models.RollbackPoint, result *models.AdaptationResult) error {
	switch staged.FocusArea {
	case models.FocusModel:
		version, err := e.store.AppendExample(ctx, staged.TrainingExample)
		if err != nil {
			return &store.PersistenceError{Op: "append training example", Err: err}
		}
		result.ChangesApplied.DatasetVersion = version
		// The heavy retrain is delegated and off the critical path.
		go func(agentID string, version int) {
			rctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := e.retrainer.Retrain(rctx, agentID, models.DatasetSelfLearning, version); err != nil {
				log.Warn().Err(err).Str("agent", agentID).Int("dataset_version", version).Msg("retrain request failed")
			}
		}(ep.AgentID, version)

	case models.FocusContext:
		applied, err := e.contexts.ApplyPatch(ctx, staged.ContextPatch)
		if err != nil {
			return err
		}
		result.ChangesApplied.ContextVersion = applied.Version

	case models.FocusPrompt:
		if err := e.store.PutTemplate(ctx, staged.Template); err != nil {
			return &store.PersistenceError{Op: "put template", Err: err}
		}
		result.ChangesApplied.TemplateVersion = staged.Template.Version

	case models.FocusInterface:
		if err := e.store.PutInterfaceConfig(ctx, staged.InterfaceConfig); err != nil {
			return &store.PersistenceError{Op: "put interface config", Err: err}
		}
		result.ChangesApplied.Interface = staged.InterfaceConfig.Interface
		result.ChangesApplied.InterfaceConfigVersion = staged.InterfaceConfig.Version
	}

	// Non-CONTEXT focus areas still record the episode in the agent's
	// context, incrementally.
	if staged.FocusArea != models.FocusContext {
		applied, err := e.contexts.UpdateFromEpisode(ctx, ep, staged.FocusArea)
		if err != nil {
			return err
		}
		result.ChangesApplied.ContextVersion = applied.Version
	}

	result.ChangesApplied.Detail = staged.Summary
	log.Info().
		Str("agent", ep.AgentID).
		Str("focus", string(staged.FocusArea)).
		Str("change", staged.Summary).
		Msg("adaptation committed")
	return nil
}

// rollback restores every pointer the rollback point captured and consumes
// it. Restores are idempotent: re-running a partially applied rollback
// converges on the same pre-change state.
func (e *Executor) rollback(ctx context.Context, rp *models.RollbackPoint) error {
	cur, err := e.contexts.Version(ctx, rp.AgentID)
	if err != nil {
		return err
	}
	if cur != rp.ContextVersion {
		if err := e.contexts.Rollback(ctx, rp.AgentID, rp.ContextVersion); err != nil {
			return err
		}
	}

	if err := e.store.TruncateSelfLearning(ctx, rp.AgentID, rp.DatasetVersion); err != nil && !store.IsNotFound(err) {
		return &store.PersistenceError{Op: "truncate self_learning", Err: err}
	}

	// A captured version of 0 means the pointer did not exist before the
	// change; restoring it clears whatever the failed commit left current.
	if t, err := e.store.GetTemplate(ctx, rp.AgentID); err == nil {
		if t.Version != rp.TemplateVersion {
			if err := e.store.SetCurrentTemplate(ctx, rp.AgentID, rp.TemplateVersion); err != nil {
				return &store.PersistenceError{Op: "restore template", Err: err}
			}
		}
	} else if !store.IsNotFound(err) {
		return &store.PersistenceError{Op: "read template for rollback", Err: err}
	}

	if rp.Interface != "" {
		if c, err := e.store.GetInterfaceConfig(ctx, rp.AgentID, rp.Interface); err == nil {
			if c.Version != rp.InterfaceConfigVersion {
				if err := e.store.SetCurrentInterfaceConfig(ctx, rp.AgentID, rp.Interface, rp.InterfaceConfigVersion); err != nil {
					return &store.PersistenceError{Op: "restore interface config", Err: err}
				}
			}
		} else if !store.IsNotFound(err) {
			return &store.PersistenceError{Op: "read interface config for rollback", Err: err}
		}
	}

	if err := e.store.DeleteRollbackPoint(ctx, rp.ID); err != nil {
		return &store.PersistenceError{Op: "consume rollback point", Err: err}
	}
	log.Info().
		Str("agent", rp.AgentID).
		Str("focus", string(rp.FocusArea)).
		Int("context_version", rp.ContextVersion).
		Msg("adaptation rolled back")
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
