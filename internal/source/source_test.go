package source

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
)

// TestFolderConsumesInLexicalOrder verifies files come back sorted by name
// and each file is returned exactly once.
func TestFolderConsumesInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.jpg", "a.jpg", "b.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	f := NewFolder("feed-1", dir)
	ctx := context.Background()

	var got []string
	for i := 0; i < 3; i++ {
		frame, err := f.AcquireFrame(ctx)
		if err != nil {
			t.Fatalf("AcquireFrame %d failed: %v", i, err)
		}
		got = append(got, string(frame.Data))
	}

	want := []string{"data-a.jpg", "data-b.png", "data-c.jpg"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Frame %d: got %s, want %s", i, got[i], want[i])
		}
	}

	// exhausted: the txt file is not an image
	if _, err := f.AcquireFrame(ctx); !errors.Is(err, ErrFrameUnavailable) {
		t.Errorf("Expected ErrFrameUnavailable, got %v", err)
	}
}

// TestFolderPicksUpNewFiles verifies new files dropped after exhaustion are
// served on the next acquisition.
func TestFolderPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFolder("feed-1", dir)
	ctx := context.Background()

	if _, err := f.AcquireFrame(ctx); !errors.Is(err, ErrFrameUnavailable) {
		t.Fatalf("Expected ErrFrameUnavailable on empty folder, got %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.jpg"), []byte("late"), 0o644); err != nil {
		t.Fatal(err)
	}
	frame, err := f.AcquireFrame(ctx)
	if err != nil {
		t.Fatalf("AcquireFrame after drop failed: %v", err)
	}
	if string(frame.Data) != "late" {
		t.Errorf("Unexpected frame data %q", frame.Data)
	}
}

// TestFolderFormatFollowsExtension verifies png files are tagged png.
func TestFolderFormatFollowsExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFolder("feed-1", dir)
	frame, err := f.AcquireFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if frame.Format != "png" || frame.Ext() != "png" {
		t.Errorf("Format = %s, Ext = %s", frame.Format, frame.Ext())
	}
}

// TestMockProducesDecodableFrames verifies mock frames are real JPEGs with
// increasing sequence numbers and distinct trace ids.
func TestMockProducesDecodableFrames(t *testing.T) {
	m := NewMock("cam-1", 64, 48)
	ctx := context.Background()

	f1, err := m.AcquireFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := m.AcquireFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if f2.Seq != f1.Seq+1 {
		t.Errorf("Seq did not increase: %d then %d", f1.Seq, f2.Seq)
	}
	if f1.TraceID == "" || f1.TraceID == f2.TraceID {
		t.Error("Trace ids must be distinct and non-empty")
	}

	img, err := jpeg.Decode(bytes.NewReader(f1.Data))
	if err != nil {
		t.Fatalf("Frame is not a decodable JPEG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("Bounds = %v", img.Bounds())
	}
}

// TestMockFailFrames verifies injected failures surface as
// ErrFrameUnavailable and clear afterwards.
func TestMockFailFrames(t *testing.T) {
	m := NewMock("cam-1", 0, 0)
	ctx := context.Background()

	m.FailFrames(2)
	for i := 0; i < 2; i++ {
		if _, err := m.AcquireFrame(ctx); !errors.Is(err, ErrFrameUnavailable) {
			t.Fatalf("Attempt %d: expected ErrFrameUnavailable, got %v", i, err)
		}
	}
	if _, err := m.AcquireFrame(ctx); err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
}

// TestReconnectBackoffResetsAfterDelivery verifies consecutive failed
// attempts escalate the reconnect delay, and an attempt that delivered
// frames drops the schedule back to the base delay.
func TestReconnectBackoffResetsAfterDelivery(t *testing.T) {
	retry, delay := 0, reconnectBaseDelay

	// failures escalate toward the cap
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		retry, delay = nextBackoff(false, retry, delay)
		delays = append(delays, delay)
	}
	if retry != 6 {
		t.Errorf("Retry = %d after 6 failures, want 6", retry)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("Delay shrank without delivery: %v then %v", delays[i-1], delays[i])
		}
	}
	if delay != reconnectMaxDelay {
		t.Errorf("Delay = %v after 6 failures, want capped at %v", delay, reconnectMaxDelay)
	}

	// a session that produced frames resets the schedule
	retry, delay = nextBackoff(true, retry, delay)
	if retry != 1 {
		t.Errorf("Retry = %d after delivery, want 1", retry)
	}
	if delay != 2*reconnectBaseDelay {
		t.Errorf("Delay = %v after delivery, want %v", delay, 2*reconnectBaseDelay)
	}
}

// TestBuildDispatchesOnKind verifies the factory maps source kinds to the
// right implementation and rejects unknown kinds.
func TestBuildDispatchesOnKind(t *testing.T) {
	src, err := Build(config.SourceConfig{ID: "f", Kind: "file-folder", FolderPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*Folder); !ok {
		t.Errorf("Expected *Folder, got %T", src)
	}

	src, err = Build(config.SourceConfig{ID: "c", Kind: "camera"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*Mock); !ok {
		t.Errorf("Expected *Mock, got %T", src)
	}

	if _, err := Build(config.SourceConfig{ID: "x", Kind: "teleporter"}); err == nil {
		t.Error("Expected error for unknown kind")
	}
}
