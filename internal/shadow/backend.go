package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/rs/zerolog/log"
)

// BackendEvaluator delegates shadow evaluation to the model/execution
// backend over HTTP. The backend replays the staged change against held-out
// traffic; its internals are opaque, but its contract is fixed: the response
// must carry a confidence interval.
type BackendEvaluator struct {
	endpoint string
	client   *http.Client
}

// NewBackendEvaluator creates an HTTP evaluator calling the given backend
// origin (e.g. "http://model-backend:9000"). timeout bounds each call; the
// caller's context deadline applies on top.
func NewBackendEvaluator(endpoint string, timeout time.Duration) *BackendEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackendEvaluator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type evaluateRequest struct {
	AgentID      string               `json:"agent_id"`
	Episode      *models.EpisodeEvent `json:"episode"`
	StagedChange *models.StagedChange `json:"staged_change"`
}

// evaluateResponse mirrors models.EvaluationResult with a pointer interval
// so a backend omitting it is detectable as a contract violation.
type evaluateResponse struct {
	Improvement         float64                    `json:"improvement"`
	ConfidenceInterval  *models.ConfidenceInterval `json:"confidence_interval"`
	BaselinePerformance float64                    `json:"baseline_performance"`
	NewPerformance      float64                    `json:"new_performance"`
	SampleSize          int                        `json:"sample_size"`
}

// ShadowEvaluate POSTs the staged change to the backend's shadow-evaluate
// endpoint. A deadline overrun maps to ErrEvaluationTimeout so the executor
// rolls back rather than treating the timeout as a verdict.
func (e *BackendEvaluator) ShadowEvaluate(ctx context.Context, agentID string, ep *models.EpisodeEvent, change *models.StagedChange) (*models.EvaluationResult, error) {
	start := time.Now()

	body, err := json.Marshal(evaluateRequest{AgentID: agentID, Episode: ep, StagedChange: change})
	if err != nil {
		return nil, fmt.Errorf("marshal evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/shadow-evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrEvaluationTimeout
		}
		return nil, fmt.Errorf("shadow evaluate call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("shadow evaluate: HTTP %d from %s", resp.StatusCode, e.endpoint)
	}

	var wire evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode evaluate response: %w", err)
	}
	if wire.ConfidenceInterval == nil {
		return nil, fmt.Errorf("shadow evaluate: backend returned no confidence interval")
	}

	result := &models.EvaluationResult{
		Improvement:         wire.Improvement,
		ConfidenceInterval:  *wire.ConfidenceInterval,
		BaselinePerformance: wire.BaselinePerformance,
		NewPerformance:      wire.NewPerformance,
		SampleSize:          wire.SampleSize,
		Elapsed:             time.Since(start),
	}
	log.Debug().
		Str("agent", agentID).
		Float64("improvement", result.Improvement).
		Float64("ci_low", result.ConfidenceInterval.Low).
		Msg("backend evaluation complete")
	return result, nil
}

// BackendRetrainer asks the backend to retrain from a committed dataset
// version. Fire-and-forget from the engine's perspective: a failure is
// logged by the caller, never rolled back, because the commit has already
// been confirmed.
type BackendRetrainer struct {
	endpoint string
	client   *http.Client
}

// NewBackendRetrainer creates a retrainer against the backend origin.
func NewBackendRetrainer(endpoint string, timeout time.Duration) *BackendRetrainer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackendRetrainer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *BackendRetrainer) Retrain(ctx context.Context, agentID string, collection models.DatasetCollection, version int) error {
	body, err := json.Marshal(map[string]any{
		"agent_id":   agentID,
		"collection": collection,
		"version":    version,
	})
	if err != nil {
		return fmt.Errorf("marshal retrain request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/retrain", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build retrain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("retrain call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("retrain: HTTP %d from %s", resp.StatusCode, r.endpoint)
	}
	return nil
}

var (
	_ Evaluator = (*BackendEvaluator)(nil)
	_ Retrainer = (*BackendRetrainer)(nil)
)
