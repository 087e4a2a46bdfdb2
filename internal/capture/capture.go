// Package capture implements the stop-motion pipeline: a bounded
// drop-oldest queue of captured frames and the runner that fills it
// while a recording is active.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/camera"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("capture")

// Capture is one frame on its way to the hub. AssociatedTo carries the
// id of the sensor event this frame belongs to.
type Capture struct {
	ID           string
	AssociatedTo string
	Timestamp    time.Time
	Data         []byte
	Format       string
	HasFace      bool
}

// New tags a frame with the event it belongs to.
func New(associatedTo string, frame camera.Frame, hasFace bool) Capture {
	return Capture{
		ID:           uuid.NewString(),
		AssociatedTo: associatedTo,
		Timestamp:    frame.CapturedAt,
		Data:         frame.Data,
		Format:       frame.Format,
		HasFace:      hasFace,
	}
}

// FaceDetector classifies a frame. Implementations may block; the
// runner calls them on the worker pool.
type FaceDetector interface {
	Detect(frame camera.Frame) (bool, error)
}

// DetectorFunc adapts a function to the FaceDetector interface.
type DetectorFunc func(frame camera.Frame) (bool, error)

func (f DetectorFunc) Detect(frame camera.Frame) (bool, error) {
	return f(frame)
}

// Queue is a bounded FIFO that drops the oldest capture when full.
// Captures are bulky and frequent; unlike sensor events, losing the
// oldest frame is the right trade.
type Queue struct {
	mu      sync.Mutex
	items   chan Capture
	dropped atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{items: make(chan Capture, size)}
}

// Push enqueues c, evicting the oldest capture if the queue is full.
// It never blocks.
func (q *Queue) Push(c Capture) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.items <- c:
			return
		default:
		}
		select {
		case old := <-q.items:
			q.dropped.Add(1)
			log.Warn("capture queue full, dropping oldest",
				"droppedId", old.ID, "dropped", q.dropped.Load())
		default:
		}
	}
}

// Pop dequeues the oldest capture, blocking until one arrives or ctx
// is done.
func (q *Queue) Pop(ctx context.Context) (Capture, error) {
	select {
	case c := <-q.items:
		return c, nil
	case <-ctx.Done():
		return Capture{}, ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Dropped returns how many captures were evicted since startup.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
