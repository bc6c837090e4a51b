package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/store"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// Uploader is the background loop that batches unseen artifacts, uploads
// them, persists progress and evicts delivered artifacts past retention.
//
// Per cycle: Idle → Scanning → Batching → Uploading → Reconciling → Idle.
// It never blocks the capture path; the two sides share only the
// filesystem, single-writer/single-reader per artifact lifetime phase.
type Uploader struct {
	root    string
	state   *store.State
	remote  ObjectStore
	runtime *config.Runtime
	metrics *metrics.Set

	mu      sync.Mutex
	backlog int

	// now is swappable for retention tests
	now func() time.Time
}

// New creates an uploader over the given results root.
func New(root string, state *store.State, remote ObjectStore, runtime *config.Runtime, m *metrics.Set) *Uploader {
	return &Uploader{
		root:    root,
		state:   state,
		remote:  remote,
		runtime: runtime,
		metrics: m,
		now:     time.Now,
	}
}

// Run drives cycles on the configured interval until the context is
// cancelled. Interval changes apply when the next cycle is scheduled; on
// shutdown the in-flight cycle finishes its current network call and exits.
func (u *Uploader) Run(ctx context.Context) {
	for {
		settings := u.runtime.Settings()
		interval := settings.Interval
		if interval <= 0 {
			interval = time.Duration(config.DefaultUploadIntervalSeconds) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := u.Cycle(ctx); err != nil {
			slog.Error("upload cycle failed",
				"error", err,
				"action", "retrying next cycle",
			)
		}
	}
}

// Cycle executes one full pass of the state machine.
func (u *Uploader) Cycle(ctx context.Context) error {
	settings := u.runtime.Settings()

	// Scanning
	artifacts, err := store.ScanArtifacts(u.root)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	pending := make([]types.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if !u.state.IsUploaded(a.EventID) {
			pending = append(pending, a)
		}
	}
	u.metrics.UploadBacklog.Set(float64(len(pending)))
	u.mu.Lock()
	u.backlog = len(pending)
	u.mu.Unlock()

	// Batching: scan order is already created_at ascending
	batch := pending
	if settings.BatchSize > 0 && len(batch) > settings.BatchSize {
		batch = batch[:settings.BatchSize]
	}

	if len(batch) > 0 {
		slog.Info("upload cycle starting",
			"pending", len(pending),
			"batch", len(batch),
		)
	}

	// Uploading
	var completed int
	for _, a := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := u.uploadArtifact(ctx, settings, a); err != nil {
			u.metrics.UploadsFailed.Inc()
			slog.Warn("artifact upload failed",
				"event_id", a.EventID,
				"model_id", a.ModelID,
				"error", err,
				"action", "retrying next cycle",
			)
			continue
		}
		completed++
	}

	// Reconciling: retention eviction + state hygiene
	if err := u.reconcile(artifacts, settings); err != nil {
		return err
	}

	if completed > 0 {
		slog.Info("upload cycle complete",
			"uploaded", completed,
			"remaining", len(pending)-completed,
		)
	}
	return nil
}

// Backlog returns the pending-artifact count observed by the most recent
// scan (zero before the first cycle).
func (u *Uploader) Backlog() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.backlog
}

// uploadArtifact delivers both objects of one artifact and durably records
// the result. A partial failure (one object up, one failed) counts as fully
// failed: the state is left untouched and both objects are retried together
// next cycle. Remote keys are deterministic, so the redo overwrites rather
// than duplicates.
func (u *Uploader) uploadArtifact(ctx context.Context, settings config.UploadSettings, a types.Artifact) error {
	imageKey := remoteKey(settings.Prefix, a, a.ImagePath)
	metaKey := remoteKey(settings.Prefix, a, a.MetadataPath)

	if settings.UploadImages {
		if err := u.remote.PutFile(ctx, imageKey, a.ImagePath, imageContentType(a.ImagePath)); err != nil {
			return fmt.Errorf("image: %w", err)
		}
	}
	if settings.UploadMetadata {
		if err := u.remote.PutFile(ctx, metaKey, a.MetadataPath, "application/json"); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}

	// Both objects acknowledged; record durably before the artifact is
	// considered delivered.
	if err := u.state.MarkUploaded(a.EventID, metaKey, u.now()); err != nil {
		return fmt.Errorf("state persist: %w", err)
	}
	u.metrics.UploadsCompleted.Inc()

	slog.Debug("artifact uploaded",
		"event_id", a.EventID,
		"remote_key", metaKey,
	)
	return nil
}

// reconcile evicts uploaded artifacts past the retention window and prunes
// state entries that no longer correspond to anything on disk.
func (u *Uploader) reconcile(artifacts []types.Artifact, settings config.UploadSettings) error {
	// retention_days == 0 disables eviction entirely (operator override)
	if settings.RetentionDays > 0 {
		cutoff := u.now().AddDate(0, 0, -settings.RetentionDays)
		for _, a := range artifacts {
			if !u.state.IsUploaded(a.EventID) {
				// never delete data that is not durably delivered
				continue
			}
			if a.CreatedAt.After(cutoff) {
				continue
			}
			if err := os.Remove(a.ImagePath); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to evict image",
					"event_id", a.EventID,
					"error", err,
				)
				continue
			}
			if err := os.Remove(a.MetadataPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to evict metadata",
					"event_id", a.EventID,
					"error", err,
				)
			}
			u.state.Remove(a.EventID)
			u.metrics.ArtifactsEvicted.Inc()
			slog.Debug("artifact evicted",
				"event_id", a.EventID,
				"created_at", a.CreatedAt,
			)
		}
	}

	return u.state.CompactIfNeeded()
}

// remoteKey builds {prefix}/{model_id}/{YYYY}/{MM}/{DD}/{event_id}.{ext}.
func remoteKey(prefix string, a types.Artifact, localPath string) string {
	t := a.CreatedAt.UTC()
	ext := strings.TrimPrefix(filepath.Ext(localPath), ".")
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s.%s",
		a.ModelID, t.Year(), t.Month(), t.Day(), a.EventID, ext)
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key
}

func imageContentType(path string) string {
	if strings.HasSuffix(path, ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
