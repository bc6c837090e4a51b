package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// heartbeatInterval paces MQTT health publications.
const heartbeatInterval = 30 * time.Second

// serveHealth exposes /healthz and /metrics on the configured port. Liveness
// only; readiness is the broker's concern, the capture path works without it.
func (s *Service) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.healthPayload()); err != nil {
			slog.Debug("health response not written", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("health server listening", "port", s.cfg.HealthPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("health server failed", "error", err)
	}
}

// heartbeat publishes the health payload to MQTT on a fixed interval.
func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.healthPayload())
			if err != nil {
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Debug("heartbeat not published", "error", err)
			}
		}
	}
}

func (s *Service) healthPayload() map[string]interface{} {
	s.mu.Lock()
	uptime := time.Since(s.started).Seconds()
	s.mu.Unlock()

	degraded := 0
	for _, sess := range s.sessions {
		if sess.Stats().Degraded {
			degraded++
		}
	}

	emitterStats := struct {
		Connected bool   `json:"connected"`
		Published uint64 `json:"published"`
		Errors    uint64 `json:"errors"`
	}{}
	if s.emitter != nil {
		st := s.emitter.Stats()
		emitterStats.Connected = st.Connected
		emitterStats.Published = st.Published
		emitterStats.Errors = st.Errors
	}

	return map[string]interface{}{
		"status":           "ok",
		"instance_id":      s.cfg.InstanceID,
		"uptime_s":         uptime,
		"sources":          len(s.sessions),
		"sources_degraded": degraded,
		"upload_backlog":   s.uploadBacklog(),
		"state_entries":    s.stateLen(),
		"mqtt":             emitterStats,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
}
