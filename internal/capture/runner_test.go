package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

// fakeCamera counts captures and can be told to fail.
type fakeCamera struct {
	frames  atomic.Uint64
	failing atomic.Bool
	bitrate atomic.Int64
}

func (c *fakeCamera) Capture(ctx context.Context) (camera.Frame, error) {
	if c.failing.Load() {
		return camera.Frame{}, errors.New("sensor timeout")
	}
	n := c.frames.Add(1)
	return camera.Frame{
		Data:       []byte{byte(n)},
		Format:     "jpeg",
		Width:      1,
		Height:     1,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (c *fakeCamera) Bitrate() int       { return int(c.bitrate.Load()) }
func (c *fakeCamera) SetBitrate(bps int) { c.bitrate.Store(int64(bps)) }
func (c *fakeCamera) Close() error       { c.failing.Store(true); return nil }

func noFaces(camera.Frame) (bool, error) { return false, nil }

func newTestRunner(t *testing.T, cam camera.Camera, det FaceDetector) (*Runner, *Queue, *event.Queue, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(2, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})
	captures := NewQueue(32)
	events := event.NewQueue(16)
	r := NewRunner(cam, det, pool, captures, events, "rpi", 100*time.Millisecond)
	return r, captures, events, pool
}

func TestRunnerTagsCapturesWithEventID(t *testing.T) {
	cam := &fakeCamera{}
	r, captures, _, _ := newTestRunner(t, cam, DetectorFunc(noFaces))

	if err := r.Start("evt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		c, err := captures.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if c.AssociatedTo != "evt-1" {
			t.Fatalf("capture %d associated to %q, want evt-1", i, c.AssociatedTo)
		}
		if c.HasFace {
			t.Fatalf("capture %d has_face = true with a no-face detector", i)
		}
	}
}

func TestRunnerFaceFeedback(t *testing.T) {
	cam := &fakeCamera{}
	// Exactly one frame (the second) has a face.
	var calls atomic.Int64
	det := DetectorFunc(func(camera.Frame) (bool, error) {
		return calls.Add(1) == 2, nil
	})
	r, captures, events, _ := newTestRunner(t, cam, det)

	if err := r.Start("evt-rec"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fe, err := events.Pop(ctx)
	if err != nil {
		t.Fatalf("face event missing: %v", err)
	}
	if fe.Type != event.Face {
		t.Fatalf("synthesized event type = %s, want face", fe.Type)
	}

	// The face frame must appear twice: once tagged with the synthesized
	// event id, once with the recording's.
	var faceTagged, recTagged bool
	deadline := time.After(4 * time.Second)
	for !(faceTagged && recTagged) {
		select {
		case <-deadline:
			t.Fatalf("missing captures: faceTagged=%v recTagged=%v", faceTagged, recTagged)
		default:
		}
		c, err := captures.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if c.AssociatedTo == fe.ID && c.HasFace {
			faceTagged = true
		}
		if c.AssociatedTo == "evt-rec" && c.HasFace {
			recTagged = true
		}
	}
}

func TestStartWhileRunningReturnsSentinel(t *testing.T) {
	cam := &fakeCamera{}
	r, _, _, _ := newTestRunner(t, cam, DetectorFunc(noFaces))

	if err := r.Start("evt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if err := r.Start("evt-2"); err != ErrAlreadyRunning {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartFailsWhenCameraDown(t *testing.T) {
	cam := &fakeCamera{}
	cam.failing.Store(true)
	r, _, _, _ := newTestRunner(t, cam, DetectorFunc(noFaces))

	if err := r.Start("evt-1"); err == nil {
		t.Fatal("Start must fail when the camera cannot capture")
	}
	if r.IsRunning() {
		t.Fatal("failed Start must not leave a loop running")
	}
}

func TestStopEndsLoopPromptly(t *testing.T) {
	cam := &fakeCamera{}
	r, _, _, _ := newTestRunner(t, cam, DetectorFunc(noFaces))

	if err := r.Start("evt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDone := make(chan struct{})
	go func() {
		r.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within two ticks")
	}
	if r.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}

	// Idempotent.
	r.Stop()
}

func TestCaptureErrorKeepsLoopAlive(t *testing.T) {
	cam := &fakeCamera{}
	r, captures, _, _ := newTestRunner(t, cam, DetectorFunc(noFaces))

	if err := r.Start("evt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := captures.Pop(ctx); err != nil {
		t.Fatalf("first capture: %v", err)
	}

	// Fail a few ticks, then recover.
	cam.failing.Store(true)
	time.Sleep(250 * time.Millisecond)
	cam.failing.Store(false)

	if _, err := captures.Pop(ctx); err != nil {
		t.Fatalf("loop did not survive capture errors: %v", err)
	}
	if !r.IsRunning() {
		t.Fatal("loop must still be running after camera errors")
	}
}

func TestDetectorErrorStillPushesCapture(t *testing.T) {
	cam := &fakeCamera{}
	det := DetectorFunc(func(camera.Frame) (bool, error) {
		return false, errors.New("model not loaded")
	})
	r, captures, events, _ := newTestRunner(t, cam, det)

	if err := r.Start("evt-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := captures.Pop(ctx)
	if err != nil {
		t.Fatalf("capture missing despite detector error: %v", err)
	}
	if c.HasFace {
		t.Fatal("failed detection must not mark the frame has_face")
	}
	if events.Len() != 0 {
		t.Fatal("failed detection must not synthesize face events")
	}
}
