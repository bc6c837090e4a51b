package types

import "time"

// PassStatus is the lifecycle state of an inference pass.
type PassStatus string

const (
	PassAdmitted  PassStatus = "admitted"
	PassRunning   PassStatus = "running"
	PassSucceeded PassStatus = "succeeded"
	PassFailed    PassStatus = "failed"
	PassRejected  PassStatus = "rejected"
)

// InferencePass is one attempt to acquire a frame and run it through the
// three-stage model chain. It is exclusively owned by the capture session
// that admitted it until it reaches a terminal state.
type InferencePass struct {
	PassID    string
	SourceID  string
	Trigger   TriggerKind
	StartedAt time.Time

	Status PassStatus
	Frame  *Frame
	Output *InferenceOutput
	// Err holds the failure that terminated the pass, nil on success.
	Err error
}

// Label is one detection or classification produced by the postprocess
// stage. Field names follow the sidecar metadata contract.
type Label struct {
	Class        string  `json:"class"`
	Confidence   float64 `json:"confidence"`
	CreationDate string  `json:"creationDate"`
}

// InferenceOutput is the post-processed result of the model chain.
type InferenceOutput struct {
	Labels []Label
	// InferenceTime is when the model stage completed.
	InferenceTime time.Time
}
