package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

// ErrAlreadyRunning is returned by Start while a loop is active.
var ErrAlreadyRunning = errors.New("stop motion already running")

// Runner owns the stop-motion loop. At most one loop runs at a time;
// the state machine starts it on the first sensor event and stops it
// when the recording timer fires.
type Runner struct {
	cam      camera.Camera
	detector FaceDetector
	pool     *workerpool.Pool
	captures *Queue
	events   *event.Queue
	source   string

	intervalNS atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(cam camera.Camera, detector FaceDetector, pool *workerpool.Pool, captures *Queue, events *event.Queue, source string, interval time.Duration) *Runner {
	r := &Runner{
		cam:      cam,
		detector: detector,
		pool:     pool,
		captures: captures,
		events:   events,
		source:   source,
	}
	r.SetInterval(interval)
	return r
}

// SetInterval updates the tick length; the change applies from the next
// tick of a running loop.
func (r *Runner) SetInterval(d time.Duration) {
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	r.intervalNS.Store(int64(d))
}

func (r *Runner) Interval() time.Duration {
	return time.Duration(r.intervalNS.Load())
}

// IsRunning reports whether a loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Start begins the loop for eventID. The first frame is captured
// synchronously: a camera that cannot deliver it fails the start and no
// loop is launched, letting the caller keep its current state.
func (r *Runner) Start(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return ErrAlreadyRunning
	}

	probe, err := r.cam.Capture(context.Background())
	if err != nil {
		return fmt.Errorf("begin stop motion: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, eventID, probe, r.done)
	return nil
}

// Stop signals the loop and waits for it to exit. Calling Stop with no
// loop running is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Runner) loop(ctx context.Context, eventID string, first camera.Frame, done chan struct{}) {
	defer close(done)

	log.Info("stop motion started", "eventId", eventID, "intervalMs", r.Interval().Milliseconds())
	frames := 0

	pending := &first
	for {
		tickStart := time.Now()

		var (
			frame  camera.Frame
			capErr error
		)
		if pending != nil {
			frame, pending = *pending, nil
		} else {
			err := r.pool.SubmitWait(ctx, func() {
				frame, capErr = r.cam.Capture(ctx)
			})
			if err != nil {
				if ctx.Err() != nil {
					log.Info("stop motion stopped", "eventId", eventID, "frames", frames)
					return
				}
				log.Warn("capture offload rejected", logging.KeyError, err)
				if !r.sleepTick(ctx, tickStart) {
					return
				}
				continue
			}
		}
		if capErr != nil {
			log.Warn("frame capture failed", logging.KeyError, capErr)
			if !r.sleepTick(ctx, tickStart) {
				log.Info("stop motion stopped", "eventId", eventID, "frames", frames)
				return
			}
			continue
		}

		face := false
		var detErr error
		if err := r.pool.SubmitWait(ctx, func() {
			face, detErr = r.detector.Detect(frame)
		}); err != nil {
			if ctx.Err() != nil {
				log.Info("stop motion stopped", "eventId", eventID, "frames", frames)
				return
			}
			detErr = err
		}
		if detErr != nil {
			// A classifier hiccup should not cost us the frame.
			log.Warn("face detection failed", logging.KeyError, detErr)
			face = false
		}

		if face {
			fe := event.New(event.Face, r.source)
			fe.Timestamp = frame.CapturedAt
			if err := r.events.Push(ctx, fe); err == nil {
				r.captures.Push(New(fe.ID, frame, true))
				log.Info("face detected", "eventId", eventID, "faceEventId", fe.ID)
			} else if ctx.Err() != nil {
				log.Info("stop motion stopped", "eventId", eventID, "frames", frames)
				return
			}
		}

		r.captures.Push(New(eventID, frame, face))
		frames++

		if !r.sleepTick(ctx, tickStart) {
			log.Info("stop motion stopped", "eventId", eventID, "frames", frames)
			return
		}
	}
}

// sleepTick waits out the remainder of the tick. Returns false when the
// loop should exit.
func (r *Runner) sleepTick(ctx context.Context, tickStart time.Time) bool {
	wait := r.Interval() - time.Since(tickStart)
	if wait < 0 {
		wait = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
