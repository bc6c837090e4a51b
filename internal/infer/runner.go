// Package infer executes the fixed three-stage model chain for one frame:
// preprocess, compiled-model inference, postprocess.
package infer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/engine"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// StageError reports which stage failed. Preprocess/postprocess failures
// are input-related (retry on the next trigger); model failures likely
// indicate a configuration problem and are escalated by the caller.
type StageError struct {
	Stage engine.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsModelFailure reports whether the failed stage was the compiled model.
func (e *StageError) IsModelFailure() bool { return e.Stage == engine.StageModel }

// StageRunner chains the three stages against the local inference engine.
// Stage boundaries are pure data transformations; no stage mutates shared
// state across passes, so runners are safe for concurrent use by multiple
// sessions.
type StageRunner struct {
	invoker engine.Invoker
	timeout time.Duration
}

// NewStageRunner creates a runner with the configured inference timeout.
func NewStageRunner(invoker engine.Invoker, timeout time.Duration) *StageRunner {
	return &StageRunner{invoker: invoker, timeout: timeout}
}

// Execute runs preprocess → model → postprocess for one frame. Each call
// is one attempt; there are no retries inside the runner.
func (r *StageRunner) Execute(ctx context.Context, modelID string, frame *types.Frame) (*types.InferenceOutput, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	in := engine.Tensor{
		Shape: []int{len(frame.Data)},
		DType: "uint8",
		Data:  frame.Data,
	}

	pre, err := r.invoker.Invoke(ctx, modelID, engine.StagePreprocess, in)
	if err != nil {
		return nil, &StageError{Stage: engine.StagePreprocess, Err: err}
	}

	out, err := r.invoker.Invoke(ctx, modelID, engine.StageModel, pre)
	if err != nil {
		return nil, &StageError{Stage: engine.StageModel, Err: err}
	}
	inferredAt := time.Now()

	post, err := r.invoker.Invoke(ctx, modelID, engine.StagePostprocess, out)
	if err != nil {
		return nil, &StageError{Stage: engine.StagePostprocess, Err: err}
	}

	var labels []types.Label
	if err := json.Unmarshal(post.Data, &labels); err != nil {
		return nil, &StageError{
			Stage: engine.StagePostprocess,
			Err:   fmt.Errorf("invalid postprocess payload: %w", err),
		}
	}

	return &types.InferenceOutput{
		Labels:        labels,
		InferenceTime: inferredAt,
	}, nil
}
