// Package engine abstracts the local inference engine. The compiled model
// is an opaque callable: each stage accepts a tensor and returns a tensor.
//
// The production implementation (WorkerInvoker) drives an engine worker
// subprocess over stdin/stdout using length-prefixed MsgPack framing.
package engine

import "context"

// Stage names one step of the fixed three-stage chain.
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageModel       Stage = "model"
	StagePostprocess Stage = "postprocess"
)

// Tensor is the opaque payload passed between stages. DType describes the
// buffer encoding; the engine worker interprets it.
type Tensor struct {
	Shape []int  `msgpack:"shape"`
	DType string `msgpack:"dtype"` // "uint8", "float32", "json"
	Data  []byte `msgpack:"data"`
}

// Invoker executes one model stage against the local inference engine.
type Invoker interface {
	// Invoke runs a single stage for the given model. One call is one
	// attempt; retry policy belongs to the caller.
	Invoke(ctx context.Context, modelID string, stage Stage, in Tensor) (Tensor, error)
	// Close shuts the engine down.
	Close() error
}
