package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/engine"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/infer"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/metrics"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/result"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/session"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/source"
	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

type fixture struct {
	arb  *Arbitrator
	sess *session.Session
}

// newFixture builds an arbitrator with one registered camera session.
// invoker nil means the echo stub (passes finish immediately).
func newFixture(t *testing.T, ctx context.Context, invoker engine.Invoker) *fixture {
	t.Helper()
	if invoker == nil {
		invoker = &engine.Stub{}
	}

	sess := session.New(session.Config{
		Source: types.CaptureSource{
			SourceID:     "cam-1",
			Kind:         types.SourceCamera,
			ModelID:      "model-a",
			ModelName:    "ModelA",
			ModelVersion: "1.0.0",
		},
		Frames:       source.NewMock("cam-1", 64, 48),
		Runner:       infer.NewStageRunner(invoker, time.Second),
		Writer:       result.NewWriter(t.TempDir()),
		Metrics:      metrics.NewSet(prometheus.NewRegistry()),
		FrameTimeout: time.Second,
	})
	sess.Start(ctx)

	arb := New(200*time.Millisecond, metrics.NewSet(prometheus.NewRegistry()))
	arb.Register(sess)
	return &fixture{arb: arb, sess: sess}
}

func waitSucceeded(t *testing.T, sess *session.Session, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Stats().PassesSucceeded >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout: passes succeeded = %d, want %d", sess.Stats().PassesSucceeded, want)
}

// TestConcurrentTriggersAdmitExactlyOne verifies that of many simultaneous
// triggers for one busy source, exactly one is admitted and the rest are
// rejected, not queued.
func TestConcurrentTriggersAdmitExactlyOne(t *testing.T) {
	block := make(chan struct{})
	stub := &engine.Stub{Fn: func(modelID string, stage engine.Stage, in engine.Tensor) (engine.Tensor, error) {
		<-block
		if stage == engine.StagePostprocess {
			return engine.Tensor{DType: "json", Data: []byte("[]")}, nil
		}
		return in, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, stub)

	const n = 10
	var wg sync.WaitGroup
	results := make([]AdmissionResult, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = f.arb.Submit(types.TriggerManual, "cam-1")
		}(i)
	}
	close(start)
	wg.Wait()

	var admitted, busy int
	for _, r := range results {
		switch r {
		case Admitted:
			admitted++
		case Busy:
			busy++
		default:
			t.Errorf("Unexpected result %s", r)
		}
	}
	if admitted != 1 {
		t.Errorf("Admitted = %d, want exactly 1", admitted)
	}
	if busy != n-1 {
		t.Errorf("Busy = %d, want %d", busy, n-1)
	}

	close(block)
	waitSucceeded(t, f.sess, 1)
}

// TestSequentialTriggersAllAdmitted verifies triggers spaced out in time
// (each after the previous pass finished) are all admitted.
func TestSequentialTriggersAllAdmitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	for i := 0; i < 5; i++ {
		_, res := f.arb.Submit(types.TriggerManual, "cam-1")
		if res != Admitted {
			t.Fatalf("Trigger %d: result = %s, want admitted", i, res)
		}
		waitSucceeded(t, f.sess, uint64(i+1))
	}
}

// TestDigitalInputDebounce verifies a second edge inside the debounce
// window is coalesced into the first, and an edge after the window fires
// a new pass.
func TestDigitalInputDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	base := time.Now()
	f.arb.now = func() time.Time { return base }

	_, res := f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Admitted {
		t.Fatalf("First edge: result = %s, want admitted", res)
	}
	waitSucceeded(t, f.sess, 1)

	// 50ms later: inside the 200ms window, one physical press
	f.arb.now = func() time.Time { return base.Add(50 * time.Millisecond) }
	_, res = f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Coalesced {
		t.Fatalf("Bounce edge: result = %s, want coalesced", res)
	}

	// 300ms later: a new press
	f.arb.now = func() time.Time { return base.Add(300 * time.Millisecond) }
	_, res = f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Admitted {
		t.Fatalf("Second press: result = %s, want admitted", res)
	}
	waitSucceeded(t, f.sess, 2)
}

// TestDebounceDoesNotAffectManualTriggers verifies the debounce window
// applies to digital-input edges only.
func TestDebounceDoesNotAffectManualTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	base := time.Now()
	f.arb.now = func() time.Time { return base }

	_, res := f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Admitted {
		t.Fatalf("Edge: result = %s", res)
	}
	waitSucceeded(t, f.sess, 1)

	// a manual trigger right after an edge is not a bounce
	_, res = f.arb.Submit(types.TriggerManual, "cam-1")
	if res != Admitted {
		t.Fatalf("Manual right after edge: result = %s, want admitted", res)
	}
	waitSucceeded(t, f.sess, 2)
}

// TestBusyEdgeDoesNotArmDebounce verifies an edge rejected as Busy leaves
// the debounce window unarmed: only admitted edges suppress followers, so
// two physical presses can never both be swallowed.
func TestBusyEdgeDoesNotArmDebounce(t *testing.T) {
	block := make(chan struct{})
	stub := &engine.Stub{Fn: func(modelID string, stage engine.Stage, in engine.Tensor) (engine.Tensor, error) {
		<-block
		if stage == engine.StagePostprocess {
			return engine.Tensor{DType: "json", Data: []byte("[]")}, nil
		}
		return in, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, stub)

	base := time.Now()
	f.arb.now = func() time.Time { return base }

	// first edge admitted, pass held in flight
	_, res := f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Admitted {
		t.Fatalf("First edge: result = %s, want admitted", res)
	}

	// second press well outside the window is rejected by the gate
	f.arb.now = func() time.Time { return base.Add(300 * time.Millisecond) }
	_, res = f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Busy {
		t.Fatalf("Edge while busy: result = %s, want busy", res)
	}

	close(block)
	waitSucceeded(t, f.sess, 1)

	// third press lands 50ms after the rejected edge; it must be compared
	// against the last ADMITTED edge (base), not the busy one
	f.arb.now = func() time.Time { return base.Add(350 * time.Millisecond) }
	_, res = f.arb.Submit(types.TriggerDigitalInput, "cam-1")
	if res != Admitted {
		t.Fatalf("Press after busy edge: result = %s, want admitted", res)
	}
	waitSucceeded(t, f.sess, 2)
}

// TestPauseSuspendsAdmission verifies Pause rejects triggers of every kind
// without creating passes, and Resume restores normal admission.
func TestPauseSuspendsAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	f.arb.Pause()
	if !f.arb.IsPaused() {
		t.Fatal("IsPaused() = false after Pause")
	}

	for _, kind := range []types.TriggerKind{types.TriggerManual, types.TriggerScheduled, types.TriggerDigitalInput} {
		passID, res := f.arb.Submit(kind, "cam-1")
		if res != Paused {
			t.Errorf("%s trigger while paused: result = %s, want paused", kind, res)
		}
		if passID != "" {
			t.Errorf("%s trigger while paused created pass %s", kind, passID)
		}
	}

	f.arb.Resume()
	_, res := f.arb.Submit(types.TriggerManual, "cam-1")
	if res != Admitted {
		t.Fatalf("Trigger after resume: result = %s, want admitted", res)
	}
	waitSucceeded(t, f.sess, 1)
}

// TestUnknownSourceRejected verifies triggers for unregistered sources get
// a synchronous source-unknown answer.
func TestUnknownSourceRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	passID, res := f.arb.Submit(types.TriggerManual, "no-such-source")
	if res != SourceUnknown {
		t.Errorf("Result = %s, want source-unknown", res)
	}
	if passID != "" {
		t.Errorf("Expected no pass id, got %s", passID)
	}
}

// TestContinuousDriverSelfPaces verifies the continuous driver runs passes
// back to back through the same gate and stops with its context.
func TestContinuousDriverSelfPaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, nil)

	driverCtx, stopDriver := context.WithCancel(ctx)
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		f.arb.RunContinuous(driverCtx, "cam-1")
	}()

	waitSucceeded(t, f.sess, 3)
	stopDriver()

	select {
	case <-driverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Continuous driver did not stop with its context")
	}
}
