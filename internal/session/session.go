// Package session owns the exclusive right to drive one capture source.
// Admitted passes run strictly sequentially on a single worker goroutine;
// the admission gate and that single-worker discipline are two views of
// the same invariant: at most one pass in flight per source.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/infer"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/result"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/source"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// degradedThreshold is how many consecutive frame failures mark a source
// degraded. Degradation is an observability signal only; admission
// continues because connectivity may recover.
const degradedThreshold = 3

// admission pairs a pass with its completion signal.
type admission struct {
	pass *types.InferencePass
	done chan struct{}
}

// Session runs inference passes for one capture source.
type Session struct {
	src          types.CaptureSource
	frames       source.FrameSource
	runner       *infer.StageRunner
	writer       *result.Writer
	metrics      *metrics.Set
	frameTimeout time.Duration

	// OnArtifact fires after a pass succeeds and its artifact is durable.
	OnArtifact func(pass *types.InferencePass, artifact *types.Artifact)
	// OnDegraded fires once when the source crosses the failure threshold.
	OnDegraded func(sourceID string)

	// gate holds the single in-flight token; TryAdmit takes it, the worker
	// releases it after the pass reaches a terminal state.
	gate   chan struct{}
	passCh chan admission

	mu               sync.Mutex
	frameFailStreak  int
	degraded         bool
	passesSucceeded  uint64
	passesFailed     uint64
	lastPassFinished time.Time

	wg sync.WaitGroup
}

// Config assembles a session.
type Config struct {
	Source       types.CaptureSource
	Frames       source.FrameSource
	Runner       *infer.StageRunner
	Writer       *result.Writer
	Metrics      *metrics.Set
	FrameTimeout time.Duration
}

// New creates a session for one source. Start must be called before
// passes are admitted.
func New(cfg Config) *Session {
	return &Session{
		src:          cfg.Source,
		frames:       cfg.Frames,
		runner:       cfg.Runner,
		writer:       cfg.Writer,
		metrics:      cfg.Metrics,
		frameTimeout: cfg.FrameTimeout,
		gate:         make(chan struct{}, 1),
		passCh:       make(chan admission, 1),
	}
}

// Source returns the capture source this session owns.
func (s *Session) Source() types.CaptureSource { return s.src }

// Start launches the worker goroutine.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Wait blocks until the worker goroutine has exited.
func (s *Session) Wait() { s.wg.Wait() }

// TryAdmit hands a pass to the worker if the source is free. Non-blocking:
// returns false immediately when a pass is already in flight. The returned
// channel closes when the pass reaches a terminal state.
func (s *Session) TryAdmit(pass *types.InferencePass) (<-chan struct{}, bool) {
	select {
	case s.gate <- struct{}{}:
		adm := admission{pass: pass, done: make(chan struct{})}
		s.passCh <- adm
		return adm.done, true
	default:
		return nil, false
	}
}

// Admit blocks until the source is free, then hands the pass to the
// worker. Used by the self-pacing continuous driver.
func (s *Session) Admit(ctx context.Context, pass *types.InferencePass) (<-chan struct{}, error) {
	select {
	case s.gate <- struct{}{}:
		adm := admission{pass: pass, done: make(chan struct{})}
		s.passCh <- adm
		return adm.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loop is the single worker: strictly sequential, FIFO in admission order.
func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case adm := <-s.passCh:
			s.run(ctx, adm.pass)
			close(adm.done)
			<-s.gate // release the admission token
		}
	}
}

// run executes one pass to a terminal state. All failures are handled
// here: logged, counted, and the gate released by the caller. Nothing
// crosses this boundary as a panic or crashes a sibling session.
func (s *Session) run(ctx context.Context, pass *types.InferencePass) {
	pass.Status = types.PassRunning

	frameCtx, cancel := context.WithTimeout(ctx, s.frameTimeout)
	frame, err := s.frames.AcquireFrame(frameCtx)
	cancel()
	if err != nil {
		s.failPass(pass, "frame_unavailable", err)
		s.metrics.FramesUnavailable.WithLabelValues(s.src.SourceID).Inc()
		s.noteFrameFailure()
		return
	}
	s.noteFrameSuccess()
	pass.Frame = frame

	out, err := s.runner.Execute(ctx, s.src.ModelID, frame)
	if err != nil {
		var se *infer.StageError
		reason := "stage_unknown"
		if errors.As(err, &se) {
			reason = "stage_" + string(se.Stage)
			if se.IsModelFailure() {
				// likely a configuration problem, not a bad frame
				slog.Error("model stage failed",
					"source_id", s.src.SourceID,
					"model_id", s.src.ModelID,
					"error", err,
					"action", "check model deployment, will not self-heal",
				)
			}
		}
		s.failPass(pass, reason, err)
		return
	}
	pass.Output = out

	// the pass id doubles as the artifact's stable event id
	artifact, err := s.writer.Write(pass.PassID, s.src.ModelID, &s.src, frame, out)
	if err != nil {
		s.failPass(pass, "write_failure", err)
		slog.Error("artifact write failed",
			"source_id", s.src.SourceID,
			"event_id", pass.PassID,
			"error", err,
		)
		return
	}

	pass.Status = types.PassSucceeded
	s.metrics.ArtifactsWritten.WithLabelValues(s.src.ModelID).Inc()

	s.mu.Lock()
	s.passesSucceeded++
	s.lastPassFinished = time.Now()
	s.mu.Unlock()

	slog.Debug("pass succeeded",
		"source_id", s.src.SourceID,
		"pass_id", pass.PassID,
		"trigger", pass.Trigger,
		"labels", len(out.Labels),
	)

	if s.OnArtifact != nil {
		s.OnArtifact(pass, artifact)
	}
}

func (s *Session) failPass(pass *types.InferencePass, reason string, err error) {
	pass.Status = types.PassFailed
	pass.Err = err
	s.metrics.PassesFailed.WithLabelValues(s.src.SourceID, reason).Inc()

	s.mu.Lock()
	s.passesFailed++
	s.lastPassFinished = time.Now()
	s.mu.Unlock()

	if reason != "stage_model" { // model failures already logged at Error
		slog.Warn("pass failed",
			"source_id", s.src.SourceID,
			"pass_id", pass.PassID,
			"trigger", pass.Trigger,
			"reason", reason,
			"error", err,
		)
	}
}

func (s *Session) noteFrameFailure() {
	s.mu.Lock()
	s.frameFailStreak++
	crossed := s.frameFailStreak == degradedThreshold && !s.degraded
	if crossed {
		s.degraded = true
	}
	s.mu.Unlock()

	if crossed {
		s.metrics.SourcesDegraded.WithLabelValues(s.src.SourceID).Set(1)
		slog.Warn("source degraded",
			"source_id", s.src.SourceID,
			"consecutive_failures", degradedThreshold,
			"action", "admission continues, connectivity may recover",
		)
		if s.OnDegraded != nil {
			s.OnDegraded(s.src.SourceID)
		}
	}
}

func (s *Session) noteFrameSuccess() {
	s.mu.Lock()
	recovered := s.degraded
	s.frameFailStreak = 0
	s.degraded = false
	s.mu.Unlock()

	if recovered {
		s.metrics.SourcesDegraded.WithLabelValues(s.src.SourceID).Set(0)
		slog.Info("source recovered", "source_id", s.src.SourceID)
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	SourceID         string
	Degraded         bool
	PassesSucceeded  uint64
	PassesFailed     uint64
	LastPassFinished time.Time
}

// Stats returns a snapshot (non-blocking, not a live view).
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SourceID:         s.src.SourceID,
		Degraded:         s.degraded,
		PassesSucceeded:  s.passesSucceeded,
		PassesFailed:     s.passesFailed,
		LastPassFinished: s.lastPassFinished,
	}
}
