// Package core wires the pipeline together and owns its lifecycle.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/control"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/emitter"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/engine"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/infer"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/result"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/session"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/source"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/store"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/trigger"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/uploader"
)

// Service is the agent orchestrator: capture path (arbitrator + sessions)
// on one side, the uploader loop on the other, connected only through the
// artifact store on disk.
type Service struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *metrics.Set
	runtime  *config.Runtime

	invoker    engine.Invoker
	sources    []source.FrameSource
	arbitrator *trigger.Arbitrator
	sessions   []*session.Session
	state      *store.State
	uploader   *uploader.Uploader
	emitter    *emitter.MQTTEmitter
	controlH   *control.Handler

	started   time.Time
	mu        sync.Mutex
	isRunning bool
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewService loads configuration and assembles the pipeline.
func NewService(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"sources", len(cfg.Sources),
		"results_path", cfg.ResultsPath,
	)

	registry := prometheus.NewRegistry()

	s := &Service{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics.NewSet(registry),
		runtime:  config.NewRuntime(cfg.Upload.Settings()),
		emitter:  emitter.NewMQTTEmitter(cfg.InstanceID, cfg.MQTT),
	}
	return s, nil
}

// Run starts every component and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	// Inference engine
	if s.cfg.Engine.WorkerCmd != "" {
		inv, err := engine.NewWorkerInvoker(ctx, s.cfg.Engine)
		if err != nil {
			return fmt.Errorf("failed to start inference engine: %w", err)
		}
		s.invoker = inv
	} else {
		slog.Warn("no engine worker configured, using stub invoker")
		s.invoker = &engine.Stub{}
	}

	runner := infer.NewStageRunner(s.invoker, s.cfg.Capture.InferenceTimeout())
	writer := result.NewWriter(s.cfg.ResultsPath)
	s.arbitrator = trigger.New(s.cfg.Capture.Debounce(), s.metrics)

	// Capture sessions, one worker per source
	for _, srcCfg := range s.cfg.Sources {
		frames, err := source.Build(srcCfg)
		if err != nil {
			return fmt.Errorf("failed to build source '%s': %w", srcCfg.ID, err)
		}
		s.sources = append(s.sources, frames)

		sess := session.New(session.Config{
			Source: types.CaptureSource{
				SourceID:     srcCfg.ID,
				Kind:         types.SourceKind(srcCfg.Kind),
				ModelID:      srcCfg.ModelID,
				ModelName:    srcCfg.ModelName,
				ModelVersion: srcCfg.ModelVersion,
			},
			Frames:       frames,
			Runner:       runner,
			Writer:       writer,
			Metrics:      s.metrics,
			FrameTimeout: s.cfg.Capture.FrameTimeout(),
		})
		sess.OnArtifact = s.onArtifact
		sess.OnDegraded = s.onDegraded
		sess.Start(ctx)
		s.sessions = append(s.sessions, sess)
		s.arbitrator.Register(sess)
	}

	// Trigger drivers: timers for scheduled sources, self-paced loops for
	// stream sources
	for _, srcCfg := range s.cfg.Sources {
		if srcCfg.ScheduleIntervalS > 0 {
			id := srcCfg.ID
			every := time.Duration(srcCfg.ScheduleIntervalS) * time.Second
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.arbitrator.RunSchedule(ctx, id, every)
			}()
		}
		if types.SourceKind(srcCfg.Kind) == types.SourceStream {
			id := srcCfg.ID
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.arbitrator.RunContinuous(ctx, id)
			}()
		}
	}

	// Uploader
	statePath := filepath.Join(s.cfg.ResultsPath, ".upload-state.jsonl")
	state, err := store.OpenState(statePath)
	if err != nil {
		return fmt.Errorf("failed to open upload state: %w", err)
	}
	s.state = state

	if s.cfg.Upload.Endpoint != "" {
		remote, err := uploader.NewMinioStore(ctx, s.cfg.Upload)
		if err != nil {
			return fmt.Errorf("failed to connect object store: %w", err)
		}
		s.uploader = uploader.New(s.cfg.ResultsPath, state, remote, s.runtime, s.metrics)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.uploader.Run(ctx)
		}()
	} else {
		slog.Warn("no upload endpoint configured, artifacts stay local",
			"results_path", s.cfg.ResultsPath,
		)
	}

	// MQTT: events, health heartbeats, control plane
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.controlH = control.NewHandler(s.cfg.MQTT, s.emitter.Client, control.Callbacks{
			OnGetStatus:          s.status,
			OnTrigger:            s.manualTrigger,
			OnUpdateUploadConfig: s.updateUploadConfig,
			OnPause:              s.pause,
			OnResume:             s.resume,
			OnShutdown:           s.shutdownViaControl,
		})
		if err := s.controlH.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control handler: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.heartbeat(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveHealth(ctx)
	}()

	slog.Info("service running",
		"sources", len(s.sessions),
		"uploader_enabled", s.uploader != nil,
		"mqtt_enabled", s.emitter != nil,
	)

	<-ctx.Done()
	slog.Info("service run loop exiting")
	return nil
}

// Submit forwards a trigger event into the arbitrator. Exposed for the
// surrounding application (UI action, digital input ISR shim).
func (s *Service) Submit(kind types.TriggerKind, sourceID string) (string, trigger.AdmissionResult) {
	return s.arbitrator.Submit(kind, sourceID)
}

// Shutdown stops components in dependency order. The uploader finishes
// its in-flight network call best-effort; anything not marked uploaded
// remains eligible after restart.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelRun
	s.mu.Unlock()

	slog.Info("shutting down")
	if cancel != nil {
		cancel()
	}

	// capture side first: sessions drain, then sources release hardware
	for _, sess := range s.sessions {
		sess.Wait()
	}
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			slog.Error("failed to close source", "source_id", src.ID(), "error", err)
		}
	}

	if s.controlH != nil {
		if err := s.controlH.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timeout, abandoning background goroutines")
	}

	if s.invoker != nil {
		if err := s.invoker.Close(); err != nil {
			slog.Error("failed to close engine", "error", err)
		}
	}
	if s.state != nil {
		// one final compaction keeps the state file tidy across restarts
		if err := s.state.Compact(); err != nil {
			slog.Warn("final state compaction failed", "error", err)
		}
		s.state.Close()
	}
	if s.emitter != nil {
		s.emitter.Disconnect()
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown window.
func (s *Service) ShutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeoutS > 0 {
		return time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	}
	return 5 * time.Second
}

func (s *Service) onArtifact(pass *types.InferencePass, artifact *types.Artifact) {
	if s.emitter == nil {
		return
	}
	sess, ok := s.arbitrator.Session(pass.SourceID)
	if !ok {
		return
	}
	ev := emitter.PassEvent{
		EventID:    artifact.EventID,
		SourceID:   pass.SourceID,
		ModelID:    sess.Source().ModelID,
		Trigger:    string(pass.Trigger),
		Labels:     pass.Output.Labels,
		InferredAt: pass.Output.InferenceTime.UTC().Format(time.RFC3339Nano),
	}
	if err := s.emitter.PublishPass(ev); err != nil {
		slog.Debug("pass event not published", "error", err)
	}
}

func (s *Service) onDegraded(sourceID string) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.PublishDegraded(sourceID); err != nil {
		slog.Debug("degraded event not published", "error", err)
	}
}

func (s *Service) manualTrigger(sourceID string) (string, string) {
	passID, res := s.arbitrator.Submit(types.TriggerManual, sourceID)
	return passID, string(res)
}

func (s *Service) updateUploadConfig(params map[string]interface{}) error {
	next, err := control.ParseUploadSettings(s.runtime.Settings(), params)
	if err != nil {
		return err
	}
	s.runtime.Update(next)
	slog.Info("upload settings updated",
		"interval", next.Interval,
		"batch_size", next.BatchSize,
		"retention_days", next.RetentionDays,
	)
	return nil
}

func (s *Service) pause() error {
	s.arbitrator.Pause()
	slog.Info("inference paused via control command")
	return nil
}

func (s *Service) resume() error {
	s.arbitrator.Resume()
	slog.Info("inference resumed via control command")
	return nil
}

func (s *Service) shutdownViaControl() error {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Service) status() map[string]interface{} {
	s.mu.Lock()
	uptime := time.Since(s.started).Seconds()
	running := s.isRunning
	s.mu.Unlock()

	sessions := make([]map[string]interface{}, 0, len(s.sessions))
	for _, sess := range s.sessions {
		st := sess.Stats()
		sessions = append(sessions, map[string]interface{}{
			"source_id":        st.SourceID,
			"degraded":         st.Degraded,
			"passes_succeeded": st.PassesSucceeded,
			"passes_failed":    st.PassesFailed,
		})
	}

	settings := s.runtime.Settings()
	return map[string]interface{}{
		"instance_id":     s.cfg.InstanceID,
		"uptime_s":        uptime,
		"running":         running,
		"paused":          s.arbitrator.IsPaused(),
		"sessions":        sessions,
		"upload_interval": settings.Interval.String(),
		"batch_size":      settings.BatchSize,
		"retention_days":  settings.RetentionDays,
		"upload_backlog":  s.uploadBacklog(),
		"state_entries":   s.stateLen(),
	}
}

func (s *Service) stateLen() int {
	if s.state == nil {
		return 0
	}
	return s.state.Len()
}

func (s *Service) uploadBacklog() int {
	if s.uploader == nil {
		return 0
	}
	return s.uploader.Backlog()
}
