// Package types contains the shared data model for the defect-detection
// edge pipeline: capture sources, inference passes, artifacts and the
// sidecar metadata records consumed by the cloud analysis tooling.
package types

import "time"

// SourceKind identifies how a capture source produces frames.
type SourceKind string

const (
	// SourceCamera is a physical camera driven on demand.
	SourceCamera SourceKind = "camera"
	// SourceFolder is a directory feed consumed file by file.
	SourceFolder SourceKind = "file-folder"
	// SourceStream is a continuous video stream (self-paced inference).
	SourceStream SourceKind = "stream"
)

// TriggerKind identifies what requested an inference pass.
type TriggerKind string

const (
	TriggerManual       TriggerKind = "manual"
	TriggerDigitalInput TriggerKind = "digital-input"
	TriggerScheduled    TriggerKind = "scheduled"
	TriggerContinuous   TriggerKind = "continuous"
)

// CaptureSource identifies one physical input bound to a compiled model.
//
// Invariant: at most one InferencePass may be running for a given SourceID
// at any instant. The per-source session enforces this.
type CaptureSource struct {
	SourceID     string
	Kind         SourceKind
	ModelID      string
	ModelName    string
	ModelVersion string
}

// Frame is one raw captured image, already encoded for persistence.
//
// Data MUST NOT be modified after the frame leaves its source
// (immutability contract, frames are shared by reference).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	// Data holds the encoded image bytes (JPEG unless Format says otherwise).
	Data   []byte
	Format string // "jpg" or "png"
	// TraceID correlates a frame across capture, inference and upload logs.
	TraceID string
}

// Ext returns the file extension for the frame's encoding.
func (f *Frame) Ext() string {
	if f.Format == "png" {
		return "png"
	}
	return "jpg"
}
