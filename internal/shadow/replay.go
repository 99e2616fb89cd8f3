package shadow

import (
	"context"
	"math"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// History is the slice of storage the replay evaluator reads: the agent's
// recent episodes and their stored metrics.
type History interface {
	ListEpisodes(ctx context.Context, agentID string, limit int) ([]models.EpisodeEvent, error)
	GetMetrics(ctx context.Context, episodeKey string) (*models.DerivedMetrics, error)
}

// zCritical is the 95% two-sided normal critical value.
const zCritical = 1.96

// undersampledWidening is added to each side of the interval per missing
// sample below MinSamples, so thin evidence cannot clear the commit gate.
const undersampledWidening = 0.05

// projectionRate is the fraction of an episode's measured gap the staged
// change is assumed to close. Deliberately conservative.
const projectionRate = 0.3

// ReplayEvaluator estimates a staged change's effect by replaying the
// agent's recent processed episodes. It is fully in-process and
// deterministic: the same history and staged change always produce the same
// estimate. Deployments with a real model backend use BackendEvaluator
// instead.
type ReplayEvaluator struct {
	history    History
	window     int
	minSamples int
}

// NewReplayEvaluator creates a replay evaluator over at most window recent
// episodes, widening its interval below minSamples.
func NewReplayEvaluator(history History, window, minSamples int) *ReplayEvaluator {
	if window < 1 {
		window = 20
	}
	if minSamples < 1 {
		minSamples = 5
	}
	return &ReplayEvaluator{history: history, window: window, minSamples: minSamples}
}

// ShadowEvaluate replays the agent's backlog of recent episodes, scores a
// baseline composite performance per episode, and projects the staged
// change's per-episode delta. The improvement is the mean delta with a
// normal-approximation 95% interval.
func (e *ReplayEvaluator) ShadowEvaluate(ctx context.Context, agentID string, ep *models.EpisodeEvent, change *models.StagedChange) (*models.EvaluationResult, error) {
	start := time.Now()

	episodes, err := e.history.ListEpisodes(ctx, agentID, e.window)
	if err != nil {
		return nil, err
	}

	var (
		baselines []float64
		deltas    []float64
	)
	for i := range episodes {
		if err := ctx.Err(); err != nil {
			return nil, ErrEvaluationTimeout
		}
		replayed := &episodes[i]
		m, err := e.history.GetMetrics(ctx, replayed.Key())
		if err != nil {
			// Episodes without stored metrics have not completed ingestion;
			// they carry no signal.
			continue
		}
		baseline := composite(m, replayed)
		baselines = append(baselines, baseline)
		deltas = append(deltas, projectDelta(change, m, baseline))
	}

	n := len(deltas)
	result := &models.EvaluationResult{
		SampleSize: n,
		Elapsed:    time.Since(start),
	}
	if n == 0 {
		// No evidence at all: an interval straddling zero guarantees the
		// gate rolls the change back.
		result.ConfidenceInterval = models.ConfidenceInterval{Low: -1, High: 1}
		return result, nil
	}

	mean, sd := meanStddev(deltas)
	half := zCritical * sd / math.Sqrt(float64(n))
	if n < e.minSamples {
		half += undersampledWidening * float64(e.minSamples-n)
	}

	result.Improvement = mean
	result.ConfidenceInterval = models.ConfidenceInterval{Low: mean - half, High: mean + half}
	result.BaselinePerformance, _ = meanStddev(baselines)
	result.NewPerformance = result.BaselinePerformance + mean

	log.Debug().
		Str("agent", agentID).
		Int("samples", n).
		Float64("improvement", mean).
		Float64("ci_low", result.ConfidenceInterval.Low).
		Msg("replay evaluation complete")
	return result, nil
}

// composite folds an episode's stored metrics into one [0,1] performance
// number: the mean of whichever of f1, 1-brier, retrieval hit rate, and
// verdict score are available.
func composite(m *models.DerivedMetrics, ep *models.EpisodeEvent) float64 {
	var sum float64
	var n int
	if m.F1Score != nil {
		sum += *m.F1Score
		n++
	}
	if m.BrierScore != nil {
		sum += 1 - *m.BrierScore
		n++
	}
	sum += m.RetrievalHitRate
	n++
	if v, ok := ep.VerdictScore(); ok {
		sum += v
		n++
	}
	return sum / float64(n)
}

// projectDelta estimates how much of the replayed episode's measured gap the
// staged change would close. Episodes whose weakness does not match the
// change's focus area contribute zero, which drags the interval toward zero
// for poorly targeted changes.
func projectDelta(change *models.StagedChange, m *models.DerivedMetrics, baseline float64) float64 {
	if change == nil {
		return 0
	}
	switch change.FocusArea {
	case models.FocusModel:
		gap := 0.0
		if m.F1Score != nil {
			gap = math.Max(gap, 1-*m.F1Score)
		}
		if m.BrierScore != nil {
			gap = math.Max(gap, *m.BrierScore)
		}
		quality := 1.0
		if change.TrainingExample != nil {
			quality = change.TrainingExample.QualityScore
		}
		return projectionRate * quality * gap
	case models.FocusContext:
		gap := math.Max(0, 1-m.RetrievalHitRate)
		gap = math.Max(gap, m.ConflictDensity)
		return projectionRate * gap
	case models.FocusPrompt:
		if m.PromptSensitivityIndex == nil {
			return 0
		}
		return projectionRate * *m.PromptSensitivityIndex
	case models.FocusInterface:
		if change.InterfaceConfig == nil {
			return 0
		}
		rate, ok := m.InterfaceErrorRates[change.InterfaceConfig.Interface]
		if !ok {
			return 0
		}
		return projectionRate * rate
	default:
		_ = baseline
		return 0
	}
}

func meanStddev(values []float64) (mean, sd float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		sd += d * d
	}
	sd = math.Sqrt(sd / float64(len(values)))
	return mean, sd
}

var _ Evaluator = (*ReplayEvaluator)(nil)
