// Package trigger arbitrates among the four trigger kinds (manual,
// digital-input, scheduled, continuous) and converts accepted events into
// admitted inference passes, at most one in flight per capture source.
package trigger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/session"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// AdmissionResult is the synchronous answer to a trigger submission.
type AdmissionResult string

const (
	// Admitted: a pass was created and handed to the source's session.
	Admitted AdmissionResult = "admitted"
	// Busy: a pass is already in flight for the source. The trigger is
	// dropped, not queued; not an error, a control signal.
	Busy AdmissionResult = "busy"
	// Coalesced: a digital-input edge landed inside the debounce window
	// of the previous accepted edge and was folded into it.
	Coalesced AdmissionResult = "coalesced"
	// Paused: the operator paused inference; no pass is created.
	Paused AdmissionResult = "paused"
	// SourceUnknown: no active configuration for the source id.
	SourceUnknown AdmissionResult = "source-unknown"
)

// Arbitrator is the fan-in point for trigger events.
type Arbitrator struct {
	metrics  *metrics.Set
	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
	lastEdge map[string]time.Time
	paused   bool

	// now is swappable for debounce tests
	now func() time.Time
}

// New creates an arbitrator with the given debounce window for
// digital-input edges.
func New(debounce time.Duration, m *metrics.Set) *Arbitrator {
	return &Arbitrator{
		metrics:  m,
		debounce: debounce,
		sessions: make(map[string]*session.Session),
		lastEdge: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Register binds a session to its source id.
func (a *Arbitrator) Register(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.Source().SourceID] = s
}

// Session returns the session owning a source id.
func (a *Arbitrator) Session(sourceID string) (*session.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sourceID]
	return s, ok
}

// Sessions returns every registered session.
func (a *Arbitrator) Sessions() []*session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Pause stops admitting new passes; in-flight passes finish normally.
func (a *Arbitrator) Pause() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// Resume re-enables admission.
func (a *Arbitrator) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// IsPaused reports whether admission is currently suspended.
func (a *Arbitrator) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Submit converts one trigger event into an admitted pass or rejects it.
// Never blocks the caller: the admission gate answers immediately.
//
// The debounce window arms only on an admitted edge: an edge rejected as
// Busy must not suppress the next physical press.
func (a *Arbitrator) Submit(kind types.TriggerKind, sourceID string) (string, AdmissionResult) {
	a.mu.Lock()
	sess, ok := a.sessions[sourceID]
	if !ok {
		a.mu.Unlock()
		return "", SourceUnknown
	}
	if a.paused {
		a.mu.Unlock()
		return "", Paused
	}

	var edgeAt time.Time
	if kind == types.TriggerDigitalInput {
		edgeAt = a.now()
		if last, seen := a.lastEdge[sourceID]; seen && edgeAt.Sub(last) < a.debounce {
			a.mu.Unlock()
			a.metrics.TriggersCoalesced.WithLabelValues(sourceID).Inc()
			return "", Coalesced
		}
	}
	a.mu.Unlock()

	pass := newPass(kind, sourceID)
	if _, admitted := sess.TryAdmit(pass); !admitted {
		pass.Status = types.PassRejected
		a.metrics.TriggersRejected.WithLabelValues(sourceID).Inc()
		return pass.PassID, Busy
	}

	if kind == types.TriggerDigitalInput {
		a.mu.Lock()
		a.lastEdge[sourceID] = edgeAt
		a.mu.Unlock()
	}

	a.metrics.PassesAdmitted.WithLabelValues(sourceID, string(kind)).Inc()
	return pass.PassID, Admitted
}

func newPass(kind types.TriggerKind, sourceID string) *types.InferencePass {
	return &types.InferencePass{
		PassID:    uuid.New().String(),
		SourceID:  sourceID,
		Trigger:   kind,
		StartedAt: time.Now(),
		Status:    types.PassAdmitted,
	}
}
