// Package decision selects which dimension of an agent's behavior needs
// correction. Decide is pure and deterministic: the same metrics and episode
// always yield the same focus area.
package decision

import (
	"fmt"

	"github.com/flywheelhq/flywheel/internal/config"
	"github.com/flywheelhq/flywheel/pkg/models"
)

// Thresholds are the tunable trigger levels for each focus area.
type Thresholds struct {
	// SystematicError gates MODEL: f1 below 1-SystematicError, or brier
	// above SystematicError.
	SystematicError float64
	// InterfaceReliability gates INTERFACE: any error rate above
	// 1-InterfaceReliability is a violation.
	InterfaceReliability float64
	// ContextUtility gates CONTEXT: a retrieval hit rate below it.
	ContextUtility float64
	// ConflictDensity is ContextUtility's companion: a density above it
	// also triggers CONTEXT.
	ConflictDensity float64
	// PromptSensitivity gates PROMPT: a sensitivity index above it.
	PromptSensitivity float64
}

// DefaultThresholds returns the stock trigger levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SystematicError:      0.10,
		InterfaceReliability: 0.95,
		ContextUtility:       0.70,
		ConflictDensity:      0.50,
		PromptSensitivity:    0.30,
	}
}

// FromConfig builds Thresholds from the loaded configuration, falling back
// to defaults for unset (zero) values.
func FromConfig(tc config.ThresholdsConfig) Thresholds {
	t := DefaultThresholds()
	if tc.SystematicError > 0 {
		t.SystematicError = tc.SystematicError
	}
	if tc.InterfaceReliability > 0 {
		t.InterfaceReliability = tc.InterfaceReliability
	}
	if tc.ContextUtility > 0 {
		t.ContextUtility = tc.ContextUtility
	}
	if tc.ConflictDensity > 0 {
		t.ConflictDensity = tc.ConflictDensity
	}
	if tc.PromptSensitivity > 0 {
		t.PromptSensitivity = tc.PromptSensitivity
	}
	return t
}

// Engine evaluates metrics against fixed thresholds.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates a decision engine with the given thresholds.
func NewEngine(t Thresholds) *Engine {
	return &Engine{thresholds: t}
}

// Decide returns the focus area for one episode. Rules are evaluated in a
// fixed priority order and the first match wins: model-correctness problems
// outrank plumbing and context problems because they most directly affect
// decision quality.
func (e *Engine) Decide(m *models.DerivedMetrics, ep *models.EpisodeEvent) models.FocusArea {
	focus, _ := e.Explain(m, ep)
	return focus
}

// Explain is Decide plus the human-readable rule that fired, for audit logs.
func (e *Engine) Explain(m *models.DerivedMetrics, _ *models.EpisodeEvent) (models.FocusArea, string) {
	t := e.thresholds

	// 1. MODEL: systematic prediction errors.
	if m.F1Score != nil && *m.F1Score < 1-t.SystematicError {
		return models.FocusModel, fmt.Sprintf("f1_score %.3f below %.3f", *m.F1Score, 1-t.SystematicError)
	}
	if m.BrierScore != nil && *m.BrierScore > t.SystematicError {
		return models.FocusModel, fmt.Sprintf("brier_score %.3f above %.3f", *m.BrierScore, t.SystematicError)
	}

	// 2. INTERFACE: any interface breaching the reliability floor. Iterated
	// in an order-independent way: we report the worst offender.
	if iface, rate, ok := worstInterface(m.InterfaceErrorRates); ok && rate > 1-t.InterfaceReliability {
		return models.FocusInterface, fmt.Sprintf("%s error rate %.3f above %.3f", iface, rate, 1-t.InterfaceReliability)
	}

	// 3. CONTEXT: retrieval not pulling its weight, or contradictory items.
	if m.RetrievalHitRate < t.ContextUtility {
		return models.FocusContext, fmt.Sprintf("retrieval_hit_rate %.3f below %.3f", m.RetrievalHitRate, t.ContextUtility)
	}
	if m.ConflictDensity > t.ConflictDensity {
		return models.FocusContext, fmt.Sprintf("conflict_density %.3f above %.3f", m.ConflictDensity, t.ConflictDensity)
	}

	// 4. PROMPT: near-duplicate prompts producing unstable confidence.
	if m.PromptSensitivityIndex != nil && *m.PromptSensitivityIndex > t.PromptSensitivity {
		return models.FocusPrompt, fmt.Sprintf("prompt_sensitivity_index %.3f above %.3f", *m.PromptSensitivityIndex, t.PromptSensitivity)
	}

	return models.FocusNone, "no threshold fired"
}

// WorstInterface returns the interface with the highest error rate, for the
// INTERFACE adaptation which tunes one interface at a time.
func WorstInterface(rates map[string]float64) (string, float64, bool) {
	return worstInterface(rates)
}

func worstInterface(rates map[string]float64) (string, float64, bool) {
	var (
		worst     string
		worstRate float64
		found     bool
	)
	for iface, rate := range rates {
		// Tie-break on name so map iteration order cannot change the answer.
		if !found || rate > worstRate || (rate == worstRate && iface < worst) {
			worst, worstRate, found = iface, rate, true
		}
	}
	return worst, worstRate, found
}
