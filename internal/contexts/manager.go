// Package contexts owns the per-agent AbstractContext: a versioned,
// append-only chain of commitments, episode summaries, and reliability
// scores. Every mutation mints a new version; prior versions stay retrievable
// so a rollback can restore the exact earlier state.
package contexts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/internal/metrics"
	"github.com/flywheelhq/flywheel/internal/store"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// commitmentDuplicateThreshold is the token-Jaccard similarity above which a
// new commitment is treated as a rephrasing of an existing one and dropped.
const commitmentDuplicateThreshold = 0.8

// reliabilityAlpha is the EWMA weight given to the newest verdict when
// recomputing a source's reliability score.
const reliabilityAlpha = 0.3

// Manager is the only writer of AbstractContext state. It keeps an in-memory
// current-version pointer per agent and persists every new version through
// the ContextStore before swapping that pointer (write-then-swap), so a
// failed persist never leaves the manager ahead of the store.
type Manager struct {
	store        store.ContextStore
	summaryLimit int

	mu      sync.Mutex
	current map[string]*models.AbstractContext
}

// NewManager creates a context manager backed by the given store.
// summaryLimit bounds episode_summaries per agent; values below 1 fall back
// to 50.
func NewManager(cs store.ContextStore, summaryLimit int) *Manager {
	if summaryLimit < 1 {
		summaryLimit = 50
	}
	return &Manager{
		store:        cs,
		summaryLimit: summaryLimit,
		current:      make(map[string]*models.AbstractContext),
	}
}

// Current returns the agent's current context, creating an empty version-0
// context on first use. The returned value is a copy.
func (m *Manager) Current(ctx context.Context, agentID string) (*models.AbstractContext, error) {
	m.mu.Lock()
	if c, ok := m.current[agentID]; ok {
		m.mu.Unlock()
		return c.Clone(), nil
	}
	m.mu.Unlock()

	c, err := m.store.GetContext(ctx, agentID, store.CurrentVersion)
	if err != nil {
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("load context for %s: %w", agentID, err)
		}
		c = &models.AbstractContext{AgentID: agentID, Version: 0}
	}

	m.mu.Lock()
	m.current[agentID] = c.Clone()
	m.mu.Unlock()
	return c.Clone(), nil
}

// UpdateFromEpisode applies one episode to the agent's context and persists
// the result as a new version. CONTEXT focus uses the comprehensive mode
// (commitments, summary, reliability scores); every other focus only appends
// the summary. A persistence failure returns *store.PersistenceError and
// leaves the current-version pointer untouched.
func (m *Manager) UpdateFromEpisode(ctx context.Context, ep *models.EpisodeEvent, focus models.FocusArea) (*models.AbstractContext, error) {
	cur, err := m.Current(ctx, ep.AgentID)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.Version = cur.Version + 1
	next.LastUpdated = time.Now().UTC()

	if focus == models.FocusContext {
		next.UpdateSource = models.UpdateComprehensive
		m.appendCommitment(next, ep.UserIntent)
		m.appendSummary(next, summarize(ep))
		m.updateReliability(next, ep)
	} else {
		next.UpdateSource = models.UpdateIncremental
		m.appendSummary(next, summarize(ep))
	}

	if err := m.persistAndSwap(ctx, next); err != nil {
		return nil, err
	}

	log.Debug().
		Str("agent", ep.AgentID).
		Int("version", next.Version).
		Str("mode", string(next.UpdateSource)).
		Msg("context updated")
	return next.Clone(), nil
}

// StageComprehensive builds the comprehensive next version for an episode
// without persisting anything. The adaptation executor stages this patch,
// shows it to the shadow evaluator, and commits it through ApplyPatch only
// after the gate passes.
func (m *Manager) StageComprehensive(ctx context.Context, ep *models.EpisodeEvent) (*models.AbstractContext, error) {
	cur, err := m.Current(ctx, ep.AgentID)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.Version = cur.Version + 1
	next.LastUpdated = time.Now().UTC()
	next.UpdateSource = models.UpdateComprehensive
	m.appendCommitment(next, ep.UserIntent)
	m.appendSummary(next, summarize(ep))
	m.updateReliability(next, ep)
	return next, nil
}

// ApplyPatch persists a pre-built context patch (the CONTEXT adaptation's
// staged change) as the next version. The patch's version must already be
// current+1; the executor builds it that way.
func (m *Manager) ApplyPatch(ctx context.Context, patch *models.AbstractContext) (*models.AbstractContext, error) {
	if err := m.persistAndSwap(ctx, patch); err != nil {
		return nil, err
	}
	return patch.Clone(), nil
}

// Rollback repoints the agent's current context to a retained prior version.
// No new version is minted: the restored state is byte-identical to what the
// rollback point captured.
func (m *Manager) Rollback(ctx context.Context, agentID string, version int) error {
	var restored *models.AbstractContext
	if version == 0 {
		// Version 0 is the implicit empty context from before the agent's
		// first persisted update. Materialize it in the chain so the
		// repointed state survives a restart.
		restored = &models.AbstractContext{AgentID: agentID, Version: 0}
		if _, err := m.store.PutContext(ctx, restored); err != nil {
			return &store.PersistenceError{Op: "rollback context", Err: err}
		}
	} else {
		var err error
		restored, err = m.store.GetContext(ctx, agentID, version)
		if err != nil {
			return fmt.Errorf("load context version %d for %s: %w", version, agentID, err)
		}
	}
	if err := m.store.SetCurrentContext(ctx, agentID, version); err != nil {
		return &store.PersistenceError{Op: "rollback context", Err: err}
	}

	m.mu.Lock()
	m.current[agentID] = restored.Clone()
	m.mu.Unlock()
	return nil
}

// Version returns the agent's current context version without creating one.
func (m *Manager) Version(ctx context.Context, agentID string) (int, error) {
	c, err := m.Current(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return c.Version, nil
}

func (m *Manager) persistAndSwap(ctx context.Context, next *models.AbstractContext) error {
	if _, err := m.store.PutContext(ctx, next); err != nil {
		return &store.PersistenceError{Op: "put context", Err: err}
	}
	if err := m.store.SetCurrentContext(ctx, next.AgentID, next.Version); err != nil {
		return &store.PersistenceError{Op: "set current context", Err: err}
	}
	// Only after both writes succeeded does the in-memory pointer move.
	m.mu.Lock()
	m.current[next.AgentID] = next.Clone()
	m.mu.Unlock()
	return nil
}

// appendCommitment adds the intent unless it is a near-duplicate of an
// existing commitment.
func (m *Manager) appendCommitment(c *models.AbstractContext, intent string) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return
	}
	candidate := metrics.Tokenize(intent)
	for _, existing := range c.Commitments {
		if metrics.Jaccard(candidate, metrics.Tokenize(existing)) >= commitmentDuplicateThreshold {
			return
		}
	}
	c.Commitments = append(c.Commitments, intent)
}

// appendSummary appends most-recent-last, dropping the oldest entries once
// the bound is exceeded.
func (m *Manager) appendSummary(c *models.AbstractContext, summary string) {
	c.EpisodeSummaries = append(c.EpisodeSummaries, summary)
	if over := len(c.EpisodeSummaries) - m.summaryLimit; over > 0 {
		c.EpisodeSummaries = append([]string(nil), c.EpisodeSummaries[over:]...)
	}
}

// updateReliability folds the episode's verdicts into the per-source scores
// with an exponentially weighted moving average.
func (m *Manager) updateReliability(c *models.AbstractContext, ep *models.EpisodeEvent) {
	apply := func(source string, verdict models.Verdict) {
		score, ok := verdict.Score()
		if !ok {
			return
		}
		if c.ReliabilityScores == nil {
			c.ReliabilityScores = make(map[string]float64)
		}
		prev, seen := c.ReliabilityScores[source]
		if !seen {
			c.ReliabilityScores[source] = score
			return
		}
		c.ReliabilityScores[source] = reliabilityAlpha*score + (1-reliabilityAlpha)*prev
	}
	apply("user", ep.UserVerdict)
	apply("mentor", ep.MentorVerdict)
}

// summarize renders a one-line textual summary of an episode.
func summarize(ep *models.EpisodeEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] scenario %s", ep.Timestamp.UTC().Format(time.RFC3339), ep.ScenarioID)
	if ep.UserIntent != "" {
		fmt.Fprintf(&b, ": %s", ep.UserIntent)
	}
	if len(ep.SelectedTools) > 0 {
		fmt.Fprintf(&b, " (tools: %s)", strings.Join(ep.SelectedTools, ", "))
	}
	if v, ok := ep.VerdictScore(); ok {
		fmt.Fprintf(&b, " verdict=%.2f", v)
	}
	return b.String()
}
