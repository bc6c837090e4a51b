package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/store"
)

// fakeStore records puts and can fail selected keys.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string]string // key -> local path
	failKeys map[string]bool
	puts     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string]string),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeStore) PutFile(ctx context.Context, key, path, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failKeys[key] {
		return fmt.Errorf("injected failure for %s", key)
	}
	f.objects[key] = path
	return nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type harness struct {
	uploader *Uploader
	root     string
	state    *store.State
	remote   *fakeStore
	runtime  *config.Runtime
}

func newHarness(t *testing.T, settings config.UploadSettings) *harness {
	t.Helper()
	root := t.TempDir()

	state, err := store.OpenState(filepath.Join(root, ".upload-state.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	remote := newFakeStore()
	runtime := config.NewRuntime(settings)
	m := metrics.NewSet(prometheus.NewRegistry())

	return &harness{
		uploader: New(root, state, remote, runtime, m),
		root:     root,
		state:    state,
		remote:   remote,
		runtime:  runtime,
	}
}

func (h *harness) writeArtifact(t *testing.T, modelID, eventID string, age time.Duration) {
	t.Helper()
	dir := filepath.Join(h.root, modelID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	img := filepath.Join(dir, eventID+".jpg")
	require.NoError(t, os.WriteFile(img, []byte("img-"+eventID), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, eventID+".jsonl"), []byte("{}\n"), 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(img, mt, mt))
}

func defaultSettings() config.UploadSettings {
	return config.UploadSettings{
		Interval:       time.Minute,
		BatchSize:      100,
		RetentionDays:  7,
		UploadImages:   true,
		UploadMetadata: true,
	}
}

// TestCycleUploadsPending verifies one cycle delivers both objects of each
// pending artifact and records them as uploaded.
func TestCycleUploadsPending(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.writeArtifact(t, "model-a", "evt-1", time.Minute)
	h.writeArtifact(t, "model-a", "evt-2", time.Minute)

	require.NoError(t, h.uploader.Cycle(context.Background()))

	assert.True(t, h.state.IsUploaded("evt-1"))
	assert.True(t, h.state.IsUploaded("evt-2"))
	assert.Equal(t, 4, h.remote.puts) // 2 artifacts x (image + metadata)
}

// TestBatchSizeBoundsOneCycle verifies a cycle uploads at most batch_size
// artifacts (oldest first) and the next cycle drains the remainder.
func TestBatchSizeBoundsOneCycle(t *testing.T) {
	settings := defaultSettings()
	settings.BatchSize = 2
	h := newHarness(t, settings)

	for i := 0; i < 5; i++ {
		h.writeArtifact(t, "model-a", fmt.Sprintf("evt-%d", i), time.Duration(5-i)*time.Hour)
	}

	require.NoError(t, h.uploader.Cycle(context.Background()))

	// oldest two went first
	assert.True(t, h.state.IsUploaded("evt-0"))
	assert.True(t, h.state.IsUploaded("evt-1"))
	assert.False(t, h.state.IsUploaded("evt-2"))

	require.NoError(t, h.uploader.Cycle(context.Background()))
	require.NoError(t, h.uploader.Cycle(context.Background()))
	for i := 0; i < 5; i++ {
		assert.True(t, h.state.IsUploaded(fmt.Sprintf("evt-%d", i)), "evt-%d", i)
	}
}

// TestPartialUploadIsFullFailure verifies that when the metadata put fails
// after the image put succeeded, the artifact stays pending and both
// objects are retried together next cycle.
func TestPartialUploadIsFullFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.writeArtifact(t, "model-a", "evt-1", time.Minute)

	artifacts, err := store.ScanArtifacts(h.root)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	metaKey := remoteKey("", artifacts[0], artifacts[0].MetadataPath)

	h.remote.failKeys[metaKey] = true
	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.False(t, h.state.IsUploaded("evt-1"))

	// next cycle redoes both objects; deterministic keys make the image
	// put an overwrite, not a duplicate
	h.remote.failKeys[metaKey] = false
	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.True(t, h.state.IsUploaded("evt-1"))
	assert.True(t, h.remote.has(metaKey))
}

// TestRetentionEvictsUploadedOnly verifies eviction removes uploaded
// artifacts past the window and never touches pending ones.
func TestRetentionEvictsUploadedOnly(t *testing.T) {
	settings := defaultSettings()
	settings.RetentionDays = 7
	h := newHarness(t, settings)

	h.writeArtifact(t, "model-a", "evt-old", 8*24*time.Hour)
	h.writeArtifact(t, "model-a", "evt-fresh", time.Hour)

	// first cycle uploads both, then reconciles: evt-old is past retention
	require.NoError(t, h.uploader.Cycle(context.Background()))
	require.NoError(t, h.uploader.Cycle(context.Background()))

	_, err := os.Stat(filepath.Join(h.root, "model-a", "evt-old.jpg"))
	assert.True(t, os.IsNotExist(err), "old uploaded artifact should be evicted")
	_, err = os.Stat(filepath.Join(h.root, "model-a", "evt-fresh.jpg"))
	assert.NoError(t, err, "fresh artifact must remain")
}

// TestRetentionNeverEvictsPending verifies an artifact past the retention
// window but not yet delivered is kept on disk.
func TestRetentionNeverEvictsPending(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.writeArtifact(t, "model-a", "evt-stuck", 30*24*time.Hour)

	artifacts, err := store.ScanArtifacts(h.root)
	require.NoError(t, err)
	imgKey := remoteKey("", artifacts[0], artifacts[0].ImagePath)
	h.remote.failKeys[imgKey] = true

	require.NoError(t, h.uploader.Cycle(context.Background()))

	_, err = os.Stat(filepath.Join(h.root, "model-a", "evt-stuck.jpg"))
	assert.NoError(t, err, "undelivered artifact must never be deleted")
}

// TestRetentionZeroDisablesEviction verifies retention_days 0 is an
// operator override that disables eviction entirely.
func TestRetentionZeroDisablesEviction(t *testing.T) {
	settings := defaultSettings()
	settings.RetentionDays = 0
	h := newHarness(t, settings)
	h.writeArtifact(t, "model-a", "evt-ancient", 365*24*time.Hour)

	require.NoError(t, h.uploader.Cycle(context.Background()))
	require.NoError(t, h.uploader.Cycle(context.Background()))

	_, err := os.Stat(filepath.Join(h.root, "model-a", "evt-ancient.jpg"))
	assert.NoError(t, err)
	assert.True(t, h.state.IsUploaded("evt-ancient"))
}

// TestUploadTogglesSkipObjects verifies uploadImages=false delivers only
// the metadata sidecar.
func TestUploadTogglesSkipObjects(t *testing.T) {
	settings := defaultSettings()
	settings.UploadImages = false
	h := newHarness(t, settings)
	h.writeArtifact(t, "model-a", "evt-1", time.Minute)

	require.NoError(t, h.uploader.Cycle(context.Background()))

	assert.True(t, h.state.IsUploaded("evt-1"))
	assert.Equal(t, 1, h.remote.puts)
}

// TestAlreadyUploadedIsSkipped verifies artifacts recorded as uploaded are
// not re-sent on later cycles.
func TestAlreadyUploadedIsSkipped(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.writeArtifact(t, "model-a", "evt-1", time.Minute)

	require.NoError(t, h.uploader.Cycle(context.Background()))
	puts := h.remote.puts
	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.Equal(t, puts, h.remote.puts)
}

// TestBacklogTracksPendingCount verifies Backlog reflects the pending
// artifacts seen by the latest scan, not the size of the state file.
func TestBacklogTracksPendingCount(t *testing.T) {
	settings := defaultSettings()
	settings.BatchSize = 2
	h := newHarness(t, settings)

	assert.Equal(t, 0, h.uploader.Backlog())

	for i := 0; i < 5; i++ {
		h.writeArtifact(t, "model-a", fmt.Sprintf("evt-%d", i), time.Duration(5-i)*time.Hour)
	}

	// first cycle scans 5 pending, then uploads 2 of them
	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.Equal(t, 5, h.uploader.Backlog())

	// next scan sees 3 pending; the uploaded ones stay in the state file
	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.Equal(t, 3, h.uploader.Backlog())
	assert.Greater(t, h.state.Len(), h.uploader.Backlog())
}

// TestRemoteKeyLayout verifies the deterministic key layout
// {prefix}/{model_id}/{YYYY}/{MM}/{DD}/{event_id}.{ext}.
func TestRemoteKeyLayout(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.writeArtifact(t, "model-a", "evt-1", 0)

	artifacts, err := store.ScanArtifacts(h.root)
	require.NoError(t, err)
	a := artifacts[0]
	ts := a.CreatedAt.UTC()

	want := fmt.Sprintf("line-3/model-a/%04d/%02d/%02d/evt-1.jpg", ts.Year(), ts.Month(), ts.Day())
	assert.Equal(t, want, remoteKey("line-3", a, a.ImagePath))

	want = fmt.Sprintf("model-a/%04d/%02d/%02d/evt-1.jsonl", ts.Year(), ts.Month(), ts.Day())
	assert.Equal(t, want, remoteKey("", a, a.MetadataPath))
}

// TestSettingsChangeAppliesNextCycle verifies a runtime batch-size update
// takes effect on the next cycle without a restart.
func TestSettingsChangeAppliesNextCycle(t *testing.T) {
	settings := defaultSettings()
	settings.BatchSize = 1
	h := newHarness(t, settings)

	for i := 0; i < 3; i++ {
		h.writeArtifact(t, "model-a", fmt.Sprintf("evt-%d", i), time.Duration(3-i)*time.Hour)
	}

	require.NoError(t, h.uploader.Cycle(context.Background()))
	assert.Equal(t, 2, h.remote.puts) // one artifact

	next := settings
	next.BatchSize = 10
	h.runtime.Update(next)

	require.NoError(t, h.uploader.Cycle(context.Background()))
	for i := 0; i < 3; i++ {
		assert.True(t, h.state.IsUploaded(fmt.Sprintf("evt-%d", i)))
	}
}
