// Package sensor polls GPIO-backed inputs (doorbell button, PIR motion
// sensor) and feeds debounced events into the device queue.
package sensor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/event"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

// Line abstracts one digital input. Read reports whether the line is
// currently active.
type Line interface {
	Read() (bool, error)
}

// LineFunc adapts a function to the Line interface.
type LineFunc func() (bool, error)

func (f LineFunc) Read() (bool, error) {
	return f()
}

// Sensor runs one polling loop. Debounce and polling rate can be
// changed while the loop is running; changes take effect on the next
// tick.
type Sensor struct {
	name      string
	line      Line
	queue     *event.Queue
	eventType event.Type
	source    string

	debounceNS atomic.Int64
	intervalNS atomic.Int64
	running    atomic.Bool

	// lastTrigger is only touched by the Run loop.
	lastTrigger time.Time

	now func() time.Time

	log *slog.Logger
}

// New wires a sensor to its line and the shared event queue. eventType
// is what Push’d events are classified as; source tags their origin.
func New(name string, line Line, q *event.Queue, eventType event.Type, source string, debounce time.Duration, pollingRateHz float64) *Sensor {
	s := &Sensor{
		name:      name,
		line:      line,
		queue:     q,
		eventType: eventType,
		source:    source,
		now:       time.Now,
		log:       logging.L("sensor").With("sensor", name),
	}
	s.SetDebounce(debounce)
	s.SetPollingRate(pollingRateHz)
	return s
}

// SetDebounce updates the minimum gap between two accepted triggers.
func (s *Sensor) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.debounceNS.Store(int64(d))
}

// Debounce returns the current debounce window.
func (s *Sensor) Debounce() time.Duration {
	return time.Duration(s.debounceNS.Load())
}

// SetPollingRate updates how often the line is sampled.
func (s *Sensor) SetPollingRate(hz float64) {
	if hz < 1 {
		hz = 1
	}
	s.intervalNS.Store(int64(float64(time.Second) / hz))
}

// PollingRate returns the current sampling rate in Hz.
func (s *Sensor) PollingRate() float64 {
	return float64(time.Second) / float64(s.intervalNS.Load())
}

// IsRunning reports whether the polling loop is active.
func (s *Sensor) IsRunning() bool {
	return s.running.Load()
}

// Run polls the line until ctx is cancelled. A trigger is accepted when
// the line is active and at least the debounce window has passed since
// the last accepted trigger; the boundary itself is accepted. Read
// errors are logged and the loop continues.
func (s *Sensor) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.log.Info("polling started",
		"debounceMs", s.Debounce().Milliseconds(),
		"pollingRateHz", s.PollingRate())

	for {
		select {
		case <-ctx.Done():
			s.log.Info("polling stopped")
			return
		case <-time.After(time.Duration(s.intervalNS.Load())):
		}

		active, err := s.line.Read()
		if err != nil {
			s.log.Warn("line read failed", logging.KeyError, err)
			continue
		}
		if !active {
			continue
		}

		now := s.now()
		if !s.lastTrigger.IsZero() && now.Sub(s.lastTrigger) < s.Debounce() {
			continue
		}

		e := event.New(s.eventType, s.source)
		e.Timestamp = now
		if err := s.queue.Push(ctx, e); err != nil {
			if ctx.Err() != nil {
				s.log.Info("polling stopped")
				return
			}
			s.log.Warn("event push failed", logging.KeyError, err)
			continue
		}
		s.lastTrigger = now
		s.log.Debug("event queued", "eventId", e.ID, "type", string(s.eventType))
	}
}
