package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

// RunSchedule fires the timer trigger for one source on a fixed interval
// until the context is cancelled. A Busy answer is expected under load and
// simply dropped; the next tick tries again.
func (a *Arbitrator) RunSchedule(ctx context.Context, sourceID string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	slog.Info("schedule trigger started",
		"source_id", sourceID,
		"interval", every,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			passID, res := a.Submit(types.TriggerScheduled, sourceID)
			switch res {
			case Admitted:
				slog.Debug("scheduled pass admitted",
					"source_id", sourceID,
					"pass_id", passID,
				)
			case Busy:
				slog.Debug("scheduled trigger dropped, source busy",
					"source_id", sourceID,
				)
			case SourceUnknown:
				slog.Warn("scheduled trigger for unknown source, stopping",
					"source_id", sourceID,
				)
				return
			}
		}
	}
}

// RunContinuous self-paces inference for a stream source: it requests a
// new pass only once the previous one completed, so the admission gate is
// normally free. When a competing trigger holds the gate (first admitted
// wins), it backs off briefly instead of dropping the stream.
func (a *Arbitrator) RunContinuous(ctx context.Context, sourceID string) {
	sess, ok := a.Session(sourceID)
	if !ok {
		slog.Warn("continuous driver for unknown source", "source_id", sourceID)
		return
	}

	slog.Info("continuous driver started", "source_id", sourceID)

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		// the pause flag covers the self-paced path too
		if a.IsPaused() {
			select {
			case <-time.After(200 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		pass := newPass(types.TriggerContinuous, sourceID)
		done, err := sess.Admit(ctx, pass)
		if err != nil {
			return
		}
		a.metrics.PassesAdmitted.WithLabelValues(sourceID, string(types.TriggerContinuous)).Inc()

		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
