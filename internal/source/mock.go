package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// Mock generates synthetic frames on demand. Used for camera sources until
// a real adapter is registered, and throughout the tests.
type Mock struct {
	id     string
	width  int
	height int

	mu  sync.Mutex
	seq uint64
	// FailNext forces the next n acquisitions to return ErrFrameUnavailable
	// (degradation and retry paths in tests).
	failNext int
}

// NewMock creates a mock source producing gray JPEG frames.
func NewMock(id string, width, height int) *Mock {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &Mock{id: id, width: width, height: height}
}

// ID implements FrameSource.
func (m *Mock) ID() string { return m.id }

// FailFrames makes the next n AcquireFrame calls fail.
func (m *Mock) FailFrames(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// AcquireFrame implements FrameSource.
func (m *Mock) AcquireFrame(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrFrameUnavailable
	}

	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return nil, ErrFrameUnavailable
	}
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	img := image.NewGray(image.Rect(0, 0, m.width, m.height))
	// vary the shade so consecutive frames differ
	shade := uint8(40 + seq%160)
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	// stamp a brighter band to make frames visually distinguishable
	for y := 0; y < m.height/8; y++ {
		for x := 0; x < m.width; x++ {
			img.SetGray(x, y, color.Gray{Y: 220})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, ErrFrameUnavailable
	}

	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      buf.Bytes(),
		Format:    "jpg",
		TraceID:   uuid.New().String(),
	}, nil
}

// Close implements FrameSource.
func (m *Mock) Close() error { return nil }
