package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
)

// Pattern frames are rendered small and scaled up to the configured
// resolution, the same path a hardware sensor readout would take.
const (
	patternWidth  = 320
	patternHeight = 180
)

// Sim is a deterministic software camera. Each capture renders a moving
// test pattern, so consecutive frames differ and face-detector stubs
// can key off frame content in tests.
type Sim struct {
	width   int
	height  int
	format  string
	bitrate atomic.Int64
	frameNo atomic.Uint64
	closed  atomic.Bool
}

// NewSim builds a simulated camera. format is one of jpeg, png or
// yuv420; anything else falls back to jpeg.
func NewSim(width, height int, format string, bitrate int) *Sim {
	switch format {
	case "jpeg", "png", "yuv420":
	default:
		format = "jpeg"
	}
	s := &Sim{width: width, height: height, format: format}
	s.bitrate.Store(int64(bitrate))
	return s
}

func (s *Sim) Bitrate() int {
	return int(s.bitrate.Load())
}

func (s *Sim) SetBitrate(bps int) {
	s.bitrate.Store(int64(bps))
}

// Capture renders and encodes the next pattern frame.
func (s *Sim) Capture(ctx context.Context) (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	n := s.frameNo.Add(1)
	src := renderPattern(n)

	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	data, err := encode(dst, s.format)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Data:       data,
		Format:     s.format,
		Width:      s.width,
		Height:     s.height,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *Sim) Close() error {
	s.closed.Store(true)
	return nil
}

// renderPattern draws a diagonal gradient with a block that walks one
// column per frame.
func renderPattern(n uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, patternWidth, patternHeight))
	shift := int(n % patternWidth)

	for y := 0; y < patternHeight; y++ {
		for x := 0; x < patternWidth; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / patternWidth),
				G: uint8(y * 255 / patternHeight),
				B: uint8((x + y + shift) % 256),
				A: 255,
			})
		}
	}

	// Marker block so two consecutive frames never encode identically.
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA((shift+x)%patternWidth, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	return img
}

func encode(img *image.RGBA, format string) ([]byte, error) {
	switch format {
	case "jpeg":
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), nil
	case "png":
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), nil
	case "yuv420":
		return rgbaToI420(img), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// rgbaToI420 converts to planar YUV 4:2:0 (BT.601), Y plane followed by
// quarter-size U and V planes.
func rgbaToI420(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2

	out := make([]byte, w*h+2*cw*ch)
	yPlane := out[:w*h]
	uPlane := out[w*h : w*h+cw*ch]
	vPlane := out[w*h+cw*ch:]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(x, y)
			r, g, bl := int32(c.R), int32(c.G), int32(c.B)
			yPlane[y*w+x] = clampByte((299*r + 587*g + 114*bl) / 1000)
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*cw + x/2
				uPlane[ci] = clampByte((-169*r-331*g+500*bl)/1000 + 128)
				vPlane[ci] = clampByte((500*r-419*g-81*bl)/1000 + 128)
			}
		}
	}
	return out
}

func clampByte(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
