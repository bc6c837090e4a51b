// Package source abstracts frame acquisition. A capture source produces a
// raw frame on demand; how the pixels arrive (camera driver, folder feed,
// RTSP stream) is hidden behind FrameSource.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// ErrFrameUnavailable reports that the source could not produce a frame
// within the acquisition timeout. Transient: the next trigger retries.
var ErrFrameUnavailable = errors.New("frame unavailable")

// FrameSource produces frames for one capture source.
type FrameSource interface {
	// ID returns the source identifier.
	ID() string
	// AcquireFrame returns the next frame or ErrFrameUnavailable. The
	// context carries the acquisition deadline; blocking is bounded by it.
	AcquireFrame(ctx context.Context) (*types.Frame, error)
	// Close releases the underlying capture resources.
	Close() error
}

// Build creates the FrameSource for a configured capture source.
func Build(cfg config.SourceConfig) (FrameSource, error) {
	switch types.SourceKind(cfg.Kind) {
	case types.SourceFolder:
		return NewFolder(cfg.ID, cfg.FolderPath), nil
	case types.SourceStream:
		return NewRTSP(RTSPConfig{
			SourceID: cfg.ID,
			URL:      cfg.RTSPURL,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
		})
	case types.SourceCamera:
		// The camera adapter is supplied by the surrounding application;
		// the mock stands in until one is registered.
		return NewMock(cfg.ID, cfg.Width, cfg.Height), nil
	default:
		return nil, fmt.Errorf("unknown source kind '%s'", cfg.Kind)
	}
}
