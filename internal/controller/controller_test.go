package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/capture"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/indicator"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/sensor"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

// stubCamera satisfies camera.Camera with an optional failure switch.
type stubCamera struct {
	failing atomic.Bool
	closed  atomic.Bool
	bitrate atomic.Int64
}

func (c *stubCamera) Capture(ctx context.Context) (camera.Frame, error) {
	if c.failing.Load() {
		return camera.Frame{}, errors.New("sensor timeout")
	}
	return camera.Frame{Data: []byte{1}, Format: "jpeg", Width: 1, Height: 1, CapturedAt: time.Now().UTC()}, nil
}

func (c *stubCamera) Bitrate() int       { return int(c.bitrate.Load()) }
func (c *stubCamera) SetBitrate(bps int) { c.bitrate.Store(int64(bps)) }
func (c *stubCamera) Close() error       { c.closed.Store(true); return nil }

type harness struct {
	ctrl   *Controller
	cam    *stubCamera
	rgb    *indicator.RGB
	runner *capture.Runner
	button *sensor.Sensor
	motion *sensor.Sensor
}

func newHarness(t *testing.T, duration, cooldown time.Duration) *harness {
	t.Helper()

	cam := &stubCamera{}
	cam.SetBitrate(2_000_000)

	pool := workerpool.New(2, 16)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	events := event.NewQueue(16)
	captures := capture.NewQueue(32)
	noFaces := capture.DetectorFunc(func(camera.Frame) (bool, error) { return false, nil })
	runner := capture.NewRunner(cam, noFaces, pool, captures, events, "rpi", 100*time.Millisecond)

	alwaysOff := sensor.LineFunc(func() (bool, error) { return false, nil })
	button := sensor.New("button", alwaysOff, events, event.Button, "rpi", 200*time.Millisecond, 10)
	motion := sensor.New("motion", alwaysOff, events, event.Motion, "rpi", 500*time.Millisecond, 5)

	rgb := indicator.NewRGB(indicator.NopDriver{}, 255, 0, 0)

	ctrl := New(Config{
		Runner:            runner,
		RGB:               rgb,
		Camera:            cam,
		Button:            button,
		Motion:            motion,
		RecordingDuration: duration,
		Cooldown:          cooldown,
	})
	t.Cleanup(ctrl.Stop)

	return &harness{ctrl: ctrl, cam: cam, rgb: rgb, runner: runner, button: button, motion: motion}
}

func (h *harness) setNow(now func() time.Time) {
	h.ctrl.mu.Lock()
	h.ctrl.now = now
	h.ctrl.mu.Unlock()
}

func TestSensorEventStartsRecording(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))

	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() = %v, want %v", got, StateRecording)
	}
	if !h.runner.IsRunning() {
		t.Fatal("stop-motion runner not running after sensor event")
	}
	if !h.rgb.IsOn() {
		t.Fatal("status LED off while recording")
	}
}

func TestRecordingTimerEndsRecording(t *testing.T) {
	h := newHarness(t, 250*time.Millisecond, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Motion, "rpi"))
	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() = %v, want %v", got, StateRecording)
	}

	waitForState(t, h.ctrl, StateIdle, 2*time.Second)
	if h.runner.IsRunning() {
		t.Fatal("runner still running after recording window expired")
	}
	if h.rgb.IsOn() {
		t.Fatal("status LED still on after recording ended")
	}
}

func TestSensorEventExtendsRecordingWindow(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	time.Sleep(200 * time.Millisecond)
	h.ctrl.HandleSensorEvent(event.New(event.Motion, "rpi"))

	// The first window would have expired here; the re-armed one has not.
	time.Sleep(200 * time.Millisecond)
	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() after re-arm = %v, want %v", got, StateRecording)
	}

	waitForState(t, h.ctrl, StateIdle, 2*time.Second)

	// The machine is reusable after the timer fired.
	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() after restart = %v, want %v", got, StateRecording)
	}
}

func TestViewerJoinedPreemptsRecording(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	h.ctrl.ViewerJoined()

	if got := h.ctrl.State(); got != StateStreaming {
		t.Fatalf("State() = %v, want %v", got, StateStreaming)
	}
	if h.runner.IsRunning() {
		t.Fatal("stop-motion still running after preemption")
	}
	if !h.rgb.IsOn() {
		t.Fatal("status LED must stay on across the recording to streaming handoff")
	}
}

func TestSensorEventIgnoredWhileStreaming(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	h.ctrl.ViewerJoined()
	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))

	if got := h.ctrl.State(); got != StateStreaming {
		t.Fatalf("State() = %v, want %v", got, StateStreaming)
	}
	if h.runner.IsRunning() {
		t.Fatal("runner started by a sensor event during streaming")
	}
}

func TestCooldownSuppressesMotionNotButton(t *testing.T) {
	h := newHarness(t, time.Minute, 10*time.Second)

	base := time.Now()
	h.setNow(func() time.Time { return base })

	h.ctrl.ViewerJoined()
	h.ctrl.ViewerCountZero()
	if h.rgb.IsOn() {
		t.Fatal("status LED still on after streaming ended")
	}

	// Inside the cooldown window motion is dropped.
	h.setNow(func() time.Time { return base.Add(5 * time.Second) })
	h.ctrl.HandleSensorEvent(event.New(event.Motion, "rpi"))
	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() after suppressed motion = %v, want %v", got, StateIdle)
	}

	// A doorbell press during cooldown still records.
	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() after button during cooldown = %v, want %v", got, StateRecording)
	}
}

func TestMotionAcceptedAfterCooldownExpires(t *testing.T) {
	h := newHarness(t, time.Minute, 10*time.Second)

	base := time.Now()
	h.setNow(func() time.Time { return base })

	h.ctrl.ViewerJoined()
	h.ctrl.ViewerCountZero()

	h.setNow(func() time.Time { return base.Add(11 * time.Second) })
	h.ctrl.HandleSensorEvent(event.New(event.Motion, "rpi"))
	if got := h.ctrl.State(); got != StateRecording {
		t.Fatalf("State() after cooldown expiry = %v, want %v", got, StateRecording)
	}
}

func TestCameraFailureAbortsTransition(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)
	h.cam.failing.Store(true)

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))

	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want %v after camera failure", got, StateIdle)
	}
	if h.rgb.IsOn() {
		t.Fatal("status LED on although recording never started")
	}
}

func TestStartStopStreamStatuses(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	if got := h.ctrl.StartStream(); got != message.StatusStreaming {
		t.Fatalf("StartStream() = %q, want %q", got, message.StatusStreaming)
	}
	if got := h.ctrl.StartStream(); got != message.StatusNoop {
		t.Fatalf("second StartStream() = %q, want %q", got, message.StatusNoop)
	}
	if got := h.ctrl.StopStream(); got != message.StatusStopped {
		t.Fatalf("StopStream() = %q, want %q", got, message.StatusStopped)
	}
	if got := h.ctrl.StopStream(); got != message.StatusNoop {
		t.Fatalf("second StopStream() = %q, want %q", got, message.StatusNoop)
	}
}

func TestStartStreamPreemptsRecording(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Motion, "rpi"))
	if got := h.ctrl.StartStream(); got != message.StatusStreaming {
		t.Fatalf("StartStream() = %q, want %q", got, message.StatusStreaming)
	}
	if h.runner.IsRunning() {
		t.Fatal("runner still running after hub-commanded stream start")
	}
}

func TestStopIsTerminal(t *testing.T) {
	h := newHarness(t, time.Minute, time.Second)

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	h.ctrl.Stop()

	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() after Stop = %v, want %v", got, StateIdle)
	}
	if !h.cam.closed.Load() {
		t.Fatal("camera not closed on Stop")
	}

	h.ctrl.HandleSensorEvent(event.New(event.Button, "rpi"))
	if got := h.ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, stimuli must be ignored after Stop", got)
	}
	if got := h.ctrl.StartStream(); got != message.StatusNoop {
		t.Fatalf("StartStream() after Stop = %q, want %q", got, message.StatusNoop)
	}
}

func TestApplySettingsUpdatesLiveTuning(t *testing.T) {
	h := newHarness(t, 30*time.Second, time.Second)

	debounce := 0.75
	rate := 20.0
	bitrate := 4_000_000
	interval := 0.5
	duration := 45

	h.ctrl.ApplySettings(message.SettingsUpdate{
		Button:       &message.TriggerUpdate{Debounce: &debounce, PollingRate: &rate},
		MotionSensor: &message.TriggerUpdate{Debounce: &debounce},
		Camera: &message.CameraUpdate{
			Bitrate:    &bitrate,
			StopMotion: &message.StopMotionUpdate{Interval: &interval, Duration: &duration},
		},
		Color: &message.Color{R: 0, G: 128, B: 255},
	})

	snap := h.ctrl.SettingsSnapshot()
	if snap.Button.Debounce != 0.75 {
		t.Fatalf("button debounce = %v, want 0.75", snap.Button.Debounce)
	}
	if snap.Button.PollingRate != 20 {
		t.Fatalf("button polling rate = %v, want 20", snap.Button.PollingRate)
	}
	if snap.MotionSensor.Debounce != 0.75 {
		t.Fatalf("motion debounce = %v, want 0.75", snap.MotionSensor.Debounce)
	}
	if snap.Camera.Bitrate != 4_000_000 {
		t.Fatalf("bitrate = %d, want 4000000", snap.Camera.Bitrate)
	}
	if snap.Camera.StopMotion.Interval != 0.5 {
		t.Fatalf("interval = %v, want 0.5", snap.Camera.StopMotion.Interval)
	}
	if snap.Camera.StopMotion.Duration != 45 {
		t.Fatalf("duration = %d, want 45", snap.Camera.StopMotion.Duration)
	}
	if snap.Color != (message.Color{R: 0, G: 128, B: 255}) {
		t.Fatalf("color = %+v, want {0 128 255}", snap.Color)
	}
}

func TestApplySettingsLeavesAbsentFieldsAlone(t *testing.T) {
	h := newHarness(t, 30*time.Second, time.Second)
	before := h.ctrl.SettingsSnapshot()

	bitrate := 1_000_000
	h.ctrl.ApplySettings(message.SettingsUpdate{
		Camera: &message.CameraUpdate{Bitrate: &bitrate},
	})

	after := h.ctrl.SettingsSnapshot()
	if after.Camera.Bitrate != 1_000_000 {
		t.Fatalf("bitrate = %d, want 1000000", after.Camera.Bitrate)
	}
	if after.Button != before.Button || after.MotionSensor != before.MotionSensor {
		t.Fatalf("untouched trigger settings changed: before %+v/%+v after %+v/%+v",
			before.Button, before.MotionSensor, after.Button, after.MotionSensor)
	}
	if after.Camera.StopMotion != before.Camera.StopMotion {
		t.Fatalf("stop-motion settings changed: before %+v after %+v",
			before.Camera.StopMotion, after.Camera.StopMotion)
	}
	if after.Color != before.Color {
		t.Fatalf("color changed: before %+v after %+v", before.Color, after.Color)
	}
}

func TestApplySettingsRejectsGarbage(t *testing.T) {
	h := newHarness(t, 30*time.Second, time.Second)
	before := h.ctrl.SettingsSnapshot()

	negDebounce := -1.0
	zeroRate := 0.0
	zeroBitrate := 0
	negDuration := -5
	h.ctrl.ApplySettings(message.SettingsUpdate{
		Button: &message.TriggerUpdate{Debounce: &negDebounce, PollingRate: &zeroRate},
		Camera: &message.CameraUpdate{
			Bitrate:    &zeroBitrate,
			StopMotion: &message.StopMotionUpdate{Duration: &negDuration},
		},
	})

	after := h.ctrl.SettingsSnapshot()
	if after != before {
		t.Fatalf("garbage settings were applied: before %+v after %+v", before, after)
	}
}

func waitForState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %v (currently %v)", want, c.State())
}
