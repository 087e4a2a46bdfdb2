// Package camera abstracts the frame source used by the stop-motion
// pipeline and the live broadcaster.
package camera

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("camera closed")

// Frame is one captured still.
type Frame struct {
	Data       []byte
	Format     string
	Width      int
	Height     int
	CapturedAt time.Time
}

// Camera is the device's frame source. Bitrate is the encoder knob
// exposed through the settings channel; still formats ignore it but the
// hardware H.264 pipeline does not.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
	Bitrate() int
	SetBitrate(bps int)
	Close() error
}
