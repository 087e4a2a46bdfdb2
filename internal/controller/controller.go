// Package controller owns the device's exclusive camera mode. All
// transitions between idle, recording and streaming are serialized
// through one mutex, and the camera, stop-motion runner and status LED
// are driven only from here.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/capture"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/indicator"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/message"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/sensor"
)

var log = logging.L("controller")

// State is the device's exclusive mode.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires the collaborators the state machine drives.
type Config struct {
	Runner            *capture.Runner
	RGB               *indicator.RGB
	Camera            camera.Camera
	Button            *sensor.Sensor
	Motion            *sensor.Sensor
	RecordingDuration time.Duration
	Cooldown          time.Duration
}

// Controller is the device state machine.
type Controller struct {
	mu    sync.Mutex
	state State

	runner *capture.Runner
	rgb    *indicator.RGB
	cam    camera.Camera
	button *sensor.Sensor
	motion *sensor.Sensor

	duration time.Duration
	cooldown time.Duration

	timer         *time.Timer
	timerGen      uint64
	cooldownUntil time.Time
	stopped       bool

	now func() time.Time
}

func New(cfg Config) *Controller {
	return &Controller{
		runner:   cfg.Runner,
		rgb:      cfg.RGB,
		cam:      cfg.Camera,
		button:   cfg.Button,
		motion:   cfg.Motion,
		duration: cfg.RecordingDuration,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// State returns the current mode. The value may be stale by the time
// the caller looks at it, but never inconsistent.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleSensorEvent drives the recording side of the machine. Motion
// events inside the post-streaming cooldown are suppressed; button
// presses always count.
func (c *Controller) HandleSensorEvent(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if e.Type == event.Motion && c.now().Before(c.cooldownUntil) {
		log.Debug("motion suppressed during cooldown", "eventId", e.ID)
		return
	}

	switch c.state {
	case StateIdle:
		if err := c.runner.Start(e.ID); err != nil {
			// Camera failure aborts the transition; stay idle.
			log.Error("recording not started", "eventId", e.ID, logging.KeyError, err)
			return
		}
		c.armTimerLocked()
		if err := c.rgb.On(); err != nil {
			log.Warn("status LED on failed", logging.KeyError, err)
		}
		c.state = StateRecording
		log.Info("recording started", "eventId", e.ID, "type", string(e.Type))

	case StateRecording:
		// Keep the running loop and its event id; just extend the window.
		c.armTimerLocked()
		log.Debug("recording window extended", "eventId", e.ID)

	case StateStreaming:
		log.Debug("sensor event ignored while streaming", "eventId", e.ID)
	}
}

// ViewerJoined preempts recording in favor of the live stream.
func (c *Controller) ViewerJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startStreamingLocked()
}

// ViewerCountZero ends streaming once the last viewer is gone and arms
// the motion cooldown.
func (c *Controller) ViewerCountZero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopStreamingLocked()
}

// StartStream is the hub-commanded variant of ViewerJoined. The
// returned status feeds the STREAM_ACK reply.
func (c *Controller) StartStream() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return message.StatusNoop
	}
	if c.startStreamingLocked() {
		return message.StatusStreaming
	}
	return message.StatusNoop
}

// StopStream is the hub-commanded variant of ViewerCountZero.
func (c *Controller) StopStream() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopStreamingLocked() {
		return message.StatusStopped
	}
	return message.StatusNoop
}

// Stop shuts the machine down: timer cancelled, stop-motion ended,
// camera closed. Further stimuli are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	c.cancelTimerLocked()
	c.runner.Stop()
	if err := c.rgb.Off(); err != nil {
		log.Warn("status LED off failed", logging.KeyError, err)
	}
	if err := c.cam.Close(); err != nil {
		log.Warn("camera close failed", logging.KeyError, err)
	}
	c.state = StateIdle
	log.Info("controller stopped")
}

// startStreamingLocked reports whether the state changed.
func (c *Controller) startStreamingLocked() bool {
	if c.stopped {
		return false
	}
	switch c.state {
	case StateIdle:
		if err := c.rgb.On(); err != nil {
			log.Warn("status LED on failed", logging.KeyError, err)
		}
		c.state = StateStreaming
		log.Info("streaming started")
		return true
	case StateRecording:
		c.cancelTimerLocked()
		c.runner.Stop()
		// LED stays on: the camera is still in use.
		c.state = StateStreaming
		log.Info("streaming preempted recording")
		return true
	default:
		return false
	}
}

// stopStreamingLocked reports whether the state changed.
func (c *Controller) stopStreamingLocked() bool {
	if c.state != StateStreaming {
		return false
	}
	if err := c.rgb.Off(); err != nil {
		log.Warn("status LED off failed", logging.KeyError, err)
	}
	c.state = StateIdle
	c.cooldownUntil = c.now().Add(c.cooldown)
	log.Info("streaming ended", "cooldownSeconds", c.cooldown.Seconds())
	return true
}

// armTimerLocked (re)arms the recording window. The generation counter
// makes a stale AfterFunc callback harmless: only the latest armed
// timer may end the recording.
func (c *Controller) armTimerLocked() {
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.duration, func() {
		c.onRecordingTimer(gen)
	})
}

func (c *Controller) cancelTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onRecordingTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.state != StateRecording || gen != c.timerGen {
		return
	}

	c.runner.Stop()
	if err := c.rgb.Off(); err != nil {
		log.Warn("status LED off failed", logging.KeyError, err)
	}
	c.state = StateIdle
	log.Info("recording ended")
}
