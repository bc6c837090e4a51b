package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// RTSP captures frames from an RTSP stream via GStreamer. The pipeline
// runs continuously and keeps only the latest JPEG-encoded frame in a
// single-slot mailbox; AcquireFrame consumes that slot, blocking until a
// frame arrives or the context expires.
//
// Mailbox semantics: new frames overwrite the unconsumed one. The stream
// source self-paces through the session, so the slot is effectively fresh
// on every acquisition.
type RTSP struct {
	cfg RTSPConfig

	pipeline *gst.Pipeline

	mu     sync.Mutex
	cond   *sync.Cond
	latest *types.Frame
	closed bool

	seq uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// RTSPConfig configures an RTSP capture source.
type RTSPConfig struct {
	SourceID string
	URL      string
	Width    int
	Height   int
	FPS      int
}

// NewRTSP creates and starts an RTSP source.
func NewRTSP(cfg RTSPConfig) (*RTSP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rtsp url is required")
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 5
	}

	r := &RTSP{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.runPipeline(ctx)

	return r, nil
}

// ID implements FrameSource.
func (r *RTSP) ID() string { return r.cfg.SourceID }

// AcquireFrame implements FrameSource. Blocks until the mailbox holds a
// frame, bounded by the context deadline.
func (r *RTSP) AcquireFrame(ctx context.Context) (*types.Frame, error) {
	// wake the cond wait when the context expires
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.latest == nil && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}
	if r.closed || ctx.Err() != nil {
		return nil, ErrFrameUnavailable
	}

	frame := r.latest
	r.latest = nil
	return frame, nil
}

// Close implements FrameSource.
func (r *RTSP) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	r.cancel()
	<-r.done
	return nil
}

// reconnectBaseDelay and reconnectMaxDelay bound the exponential backoff
// between pipeline attempts.
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// nextBackoff advances the reconnect schedule. An attempt that delivered
// frames resets it, so a stream that drops after a long healthy session
// reconnects at the base delay instead of an escalated one.
func nextBackoff(delivered bool, retry int, delay time.Duration) (int, time.Duration) {
	if delivered {
		retry = 0
		delay = reconnectBaseDelay
	}
	retry++
	if delay *= 2; delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return retry, delay
}

// runPipeline builds and drives the GStreamer pipeline, reconnecting with
// exponential backoff on failure.
func (r *RTSP) runPipeline(ctx context.Context) {
	defer close(r.done)

	retry := 0
	delay := reconnectBaseDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seqBefore := r.currentSeq()
		err := r.connectAndStream(ctx)
		if err != nil {
			slog.Error("rtsp pipeline error",
				"source_id", r.cfg.SourceID,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		retry, delay = nextBackoff(r.currentSeq() > seqBefore, retry, delay)
		slog.Warn("reconnecting to rtsp stream",
			"source_id", r.cfg.SourceID,
			"retry", retry,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (r *RTSP) currentSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// connectAndStream builds the pipeline and pumps the bus until error,
// EOS or shutdown. Frames land in the mailbox via the appsink callback.
func (r *RTSP) connectAndStream(ctx context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	r.pipeline = pipeline

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", r.cfg.URL)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	depay, _ := gst.NewElement("rtph264depay")
	decode, _ := gst.NewElement("avdec_h264")
	convert, _ := gst.NewElement("videoconvert")
	scale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,width=%d,height=%d,framerate=%d/1",
		r.cfg.Width, r.cfg.Height, r.cfg.FPS,
	))
	capsfilter.SetProperty("caps", caps)

	// encode at the source so artifacts are written without re-encoding
	jpegenc, _ := gst.NewElement("jpegenc")
	jpegenc.SetProperty("quality", 85)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return r.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, depay, decode, convert, scale, videorate, capsfilter, jpegenc, appsink.Element)
	gst.ElementLinkMany(depay, decode, convert, scale, videorate, capsfilter, jpegenc, appsink.Element)

	// rtspsrc pads are dynamic
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("rtsp end of stream", "source_id", r.cfg.SourceID)
			pipeline.SetState(gst.StateNull)
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)
		}
	}
}

// onNewSample copies the JPEG sample into the mailbox, overwriting any
// unconsumed frame.
func (r *RTSP) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()
	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	r.mu.Lock()
	r.seq++
	r.latest = &types.Frame{
		Seq:       r.seq,
		Timestamp: time.Now(),
		Width:     r.cfg.Width,
		Height:    r.cfg.Height,
		Data:      frameData,
		Format:    "jpg",
		TraceID:   uuid.New().String(),
	}
	r.cond.Signal()
	r.mu.Unlock()

	return gst.FlowOK
}
