package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

var imageExts = []string{".jpg", ".jpeg", ".png"}

// ScanArtifacts lists complete artifacts under the results root, ordered by
// creation time ascending (fairness: oldest uploads first). A metadata file
// without its image (or vice versa) is never returned; the writer's atomic
// rename makes that state unreachable short of manual tampering.
func ScanArtifacts(root string) ([]types.Artifact, error) {
	var artifacts []types.Artifact

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, modelDir := range entries {
		if !modelDir.IsDir() || strings.HasPrefix(modelDir.Name(), ".") {
			continue
		}
		modelID := modelDir.Name()
		dir := filepath.Join(root, modelID)

		files, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("results directory unreadable",
				"dir", dir,
				"error", err,
			)
			continue
		}

		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, ".") {
				continue
			}
			eventID := strings.TrimSuffix(name, ".jsonl")

			imagePath := ""
			for _, ext := range imageExts {
				p := filepath.Join(dir, eventID+ext)
				if _, err := os.Stat(p); err == nil {
					imagePath = p
					break
				}
			}
			if imagePath == "" {
				slog.Warn("metadata without image, skipping",
					"event_id", eventID,
					"model_id", modelID,
				)
				continue
			}

			metaPath := filepath.Join(dir, name)
			imgInfo, err := os.Stat(imagePath)
			if err != nil {
				continue
			}
			metaInfo, err := os.Stat(metaPath)
			if err != nil {
				continue
			}

			artifacts = append(artifacts, types.Artifact{
				EventID:      eventID,
				ModelID:      modelID,
				ImagePath:    imagePath,
				MetadataPath: metaPath,
				CreatedAt:    imgInfo.ModTime(),
				SizeBytes:    imgInfo.Size() + metaInfo.Size(),
			})
		}
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}
