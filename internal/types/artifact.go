package types

import "time"

// Artifact is the durable local record of one completed pass: an image
// file plus a sidecar metadata file, written together or not at all.
type Artifact struct {
	EventID      string
	ModelID      string
	ImagePath    string
	MetadataPath string
	CreatedAt    time.Time
	SizeBytes    int64
}

// MetadataRecord is the sidecar JSON object written next to each image.
//
// This is an external contract: the cloud portal's analysis tooling parses
// these exact field names and nesting. Do not rename fields.
type MetadataRecord struct {
	DeviceGroundTruthData []Label       `json:"deviceGroundTruthData"`
	EventMetadata         EventMetadata `json:"eventMetadata"`
}

// EventMetadata identifies the event and the model that produced it.
type EventMetadata struct {
	EventID       string `json:"eventId"`
	ModelName     string `json:"modelName"`
	ModelVersion  string `json:"modelVersion"`
	InferenceTime string `json:"inferenceTime"`
}
