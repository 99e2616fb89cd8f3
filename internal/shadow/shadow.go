// Package shadow measures a staged change against held-out or replayed
// traffic before the change is trusted. Evaluators must always return an
// improvement estimate with a confidence interval, never a point estimate
// alone; the commit gate reads the interval's lower bound.
package shadow

import (
	"context"
	"errors"

	"github.com/flywheelhq/flywheel/pkg/models"
)

// ErrEvaluationTimeout marks a shadow evaluation that did not finish inside
// its deadline. The executor treats it as a failed evaluation and rolls back;
// a timeout is never an implicit commit.
var ErrEvaluationTimeout = errors.New("shadow evaluation timed out")

// Evaluator estimates the effect of a staged change. Implementations may
// block for non-trivial time; callers pass a context with a deadline.
type Evaluator interface {
	ShadowEvaluate(ctx context.Context, agentID string, ep *models.EpisodeEvent, change *models.StagedChange) (*models.EvaluationResult, error)
}

// Retrainer triggers the out-of-scope heavy training step after a committed
// MODEL adaptation. Execution is delegated to the model backend; the engine
// only records that a retrain was requested.
type Retrainer interface {
	Retrain(ctx context.Context, agentID string, collection models.DatasetCollection, version int) error
}

// NopRetrainer is used with the replay evaluator, where no backend exists.
type NopRetrainer struct{}

func (NopRetrainer) Retrain(context.Context, string, models.DatasetCollection, int) error {
	return nil
}
