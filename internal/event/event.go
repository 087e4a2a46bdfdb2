// Package event defines sensor events and the bounded queue that feeds
// the device state machine.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type classifies what tripped the event.
type Type string

const (
	Button Type = "button"
	Motion Type = "motion"
	Face   Type = "face"
)

// Event is one sensor trigger. The ID doubles as the wire msg_id so the
// hub can deduplicate redelivered events.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Source    string
}

// New assigns a fresh uuid and the current time.
func New(t Type, source string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// Queue is a bounded FIFO. Producers block when it is full: sensor
// events are rare and every one of them matters for correlation, so
// backpressure beats dropping.
type Queue struct {
	ch chan Event
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size)}
}

// Push enqueues e, blocking until there is room or ctx is done.
func (q *Queue) Push(ctx context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest event, blocking until one arrives or ctx is
// done.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
