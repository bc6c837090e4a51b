package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// Folder feeds frames from a directory of image files, consumed in
// lexical order. Each acquisition returns the next unconsumed file;
// when the folder is exhausted it reports ErrFrameUnavailable until new
// files appear.
type Folder struct {
	id   string
	path string

	mu       sync.Mutex
	seq      uint64
	consumed map[string]bool
}

// NewFolder creates a file-folder source rooted at path.
func NewFolder(id, path string) *Folder {
	return &Folder{
		id:       id,
		path:     path,
		consumed: make(map[string]bool),
	}
}

// ID implements FrameSource.
func (f *Folder) ID() string { return f.id }

// AcquireFrame implements FrameSource.
func (f *Folder) AcquireFrame(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrFrameUnavailable
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.path)
	if err != nil {
		slog.Warn("folder source unreadable",
			"source_id", f.id,
			"path", f.path,
			"error", err,
		)
		return nil, ErrFrameUnavailable
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		if f.consumed[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, ErrFrameUnavailable
	}
	sort.Strings(names)

	name := names[0]
	data, err := os.ReadFile(filepath.Join(f.path, name))
	if err != nil {
		slog.Warn("folder source read failed",
			"source_id", f.id,
			"file", name,
			"error", err,
		)
		return nil, ErrFrameUnavailable
	}
	f.consumed[name] = true

	format := "jpg"
	if strings.ToLower(filepath.Ext(name)) == ".png" {
		format = "png"
	}

	seq := f.seq
	f.seq++

	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Data:      data,
		Format:    format,
		TraceID:   uuid.New().String(),
	}, nil
}

// Close implements FrameSource.
func (f *Folder) Close() error { return nil }
