// Package metrics registers the agent's Prometheus collectors.
//
// Operators observe failures through these counters plus structured logs;
// there is no interactive failure surface in this service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every collector the pipeline updates. Components receive the
// whole set; a private registry keeps tests isolated from each other.
type Set struct {
	TriggersRejected  *prometheus.CounterVec // by source_id
	TriggersCoalesced *prometheus.CounterVec // by source_id (debounce)
	PassesAdmitted    *prometheus.CounterVec // by source_id, trigger
	PassesFailed      *prometheus.CounterVec // by source_id, reason
	FramesUnavailable *prometheus.CounterVec // by source_id
	SourcesDegraded   *prometheus.GaugeVec   // by source_id (0/1)
	ArtifactsWritten  *prometheus.CounterVec // by model_id
	UploadsCompleted  prometheus.Counter
	UploadsFailed     prometheus.Counter
	ArtifactsEvicted  prometheus.Counter
	UploadBacklog     prometheus.Gauge
}

// NewSet creates and registers all collectors on the given registry.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		TriggersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "triggers_rejected_total",
			Help: "Triggers rejected because a pass was already running for the source.",
		}, []string{"source_id"}),
		TriggersCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "triggers_coalesced_total",
			Help: "Digital-input edges coalesced by the debounce window.",
		}, []string{"source_id"}),
		PassesAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "passes_admitted_total",
			Help: "Inference passes admitted, by source and trigger kind.",
		}, []string{"source_id", "trigger"}),
		PassesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "passes_failed_total",
			Help: "Inference passes that terminated as failed, by reason.",
		}, []string{"source_id", "reason"}),
		FramesUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "frames_unavailable_total",
			Help: "Frame acquisition failures.",
		}, []string{"source_id"}),
		SourcesDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dda", Name: "source_degraded",
			Help: "1 while a source has three or more consecutive frame failures.",
		}, []string{"source_id"}),
		ArtifactsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dda", Name: "artifacts_written_total",
			Help: "Artifacts persisted by the result writer.",
		}, []string{"model_id"}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dda", Name: "uploads_completed_total",
			Help: "Artifacts with both objects acknowledged by the remote store.",
		}),
		UploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dda", Name: "uploads_failed_total",
			Help: "Artifact uploads that failed and will be retried next cycle.",
		}),
		ArtifactsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dda", Name: "artifacts_evicted_total",
			Help: "Uploaded artifacts deleted locally after the retention window.",
		}),
		UploadBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dda", Name: "upload_backlog",
			Help: "Artifacts on disk not yet confirmed uploaded (set each cycle).",
		}),
	}

	reg.MustRegister(
		s.TriggersRejected, s.TriggersCoalesced, s.PassesAdmitted,
		s.PassesFailed, s.FramesUnavailable, s.SourcesDegraded,
		s.ArtifactsWritten, s.UploadsCompleted, s.UploadsFailed,
		s.ArtifactsEvicted, s.UploadBacklog,
	)
	return s
}
