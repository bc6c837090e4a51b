// Package result materializes inference artifacts on local disk: one image
// plus one JSON Lines metadata record, written atomically as a pair.
package result

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// Writer persists artifacts under the configured results root using the
// layout {root}/{model_id}/{event_id}.{jpg|png} + .jsonl.
type Writer struct {
	root string
}

// NewWriter creates a writer rooted at the results path.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write materializes one artifact. Both files are written to temporary
// paths in the target directory, fsynced, then renamed into place; the
// artifact exists only once both renames succeed. On any failure neither
// final path is left visible.
func (w *Writer) Write(eventID, modelID string, src *types.CaptureSource, frame *types.Frame, out *types.InferenceOutput) (*types.Artifact, error) {
	dir := filepath.Join(w.root, modelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	imagePath := filepath.Join(dir, eventID+"."+frame.Ext())
	metaPath := filepath.Join(dir, eventID+".jsonl")

	record := types.MetadataRecord{
		DeviceGroundTruthData: out.Labels,
		EventMetadata: types.EventMetadata{
			EventID:       eventID,
			ModelName:     src.ModelName,
			ModelVersion:  src.ModelVersion,
			InferenceTime: out.InferenceTime.UTC().Format(time.RFC3339Nano),
		},
	}
	if record.DeviceGroundTruthData == nil {
		record.DeviceGroundTruthData = []types.Label{}
	}
	metaBytes, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata record: %w", err)
	}
	metaBytes = append(metaBytes, '\n')

	imageTmp, err := writeTemp(dir, eventID+".img.", frame.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to stage image: %w", err)
	}
	metaTmp, err := writeTemp(dir, eventID+".meta.", metaBytes)
	if err != nil {
		os.Remove(imageTmp)
		return nil, fmt.Errorf("failed to stage metadata: %w", err)
	}

	if err := os.Rename(imageTmp, imagePath); err != nil {
		os.Remove(imageTmp)
		os.Remove(metaTmp)
		return nil, fmt.Errorf("failed to commit image: %w", err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		// roll back so no partial artifact is observable
		os.Remove(imagePath)
		os.Remove(metaTmp)
		return nil, fmt.Errorf("failed to commit metadata: %w", err)
	}

	createdAt := frame.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	artifact := &types.Artifact{
		EventID:      eventID,
		ModelID:      modelID,
		ImagePath:    imagePath,
		MetadataPath: metaPath,
		CreatedAt:    createdAt,
		SizeBytes:    int64(len(frame.Data) + len(metaBytes)),
	}

	slog.Debug("artifact written",
		"event_id", eventID,
		"model_id", modelID,
		"size_bytes", artifact.SizeBytes,
		"trace_id", frame.TraceID,
	)

	return artifact, nil
}

// writeTemp writes data to a temp file in dir and fsyncs it.
func writeTemp(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
