package engine

import "context"

// Stub is an in-process Invoker for tests and for running the agent
// without an engine worker. Fn, when set, handles every invocation;
// otherwise stages echo their input and postprocess returns an empty
// label array.
type Stub struct {
	Fn func(modelID string, stage Stage, in Tensor) (Tensor, error)
}

// Invoke implements Invoker.
func (s *Stub) Invoke(ctx context.Context, modelID string, stage Stage, in Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	if s.Fn != nil {
		return s.Fn(modelID, stage, in)
	}
	if stage == StagePostprocess {
		return Tensor{DType: "json", Data: []byte("[]")}, nil
	}
	return in, nil
}

// Close implements Invoker.
func (s *Stub) Close() error { return nil }
