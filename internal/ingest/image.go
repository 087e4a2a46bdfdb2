package ingest

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// muxImage turns a device frame into a storable image file and picks
// its extension. jpeg and png pass through untouched; planar yuv420 is
// encoded to JPEG at the given dimensions.
func muxImage(data []byte, format string, width, height int) (ext string, out []byte, err error) {
	switch format {
	case "jpeg":
		return ".jpg", data, nil
	case "png":
		return ".png", data, nil
	case "yuv420":
		buf, err := i420ToJPEG(data, width, height)
		if err != nil {
			return "", nil, err
		}
		return ".jpg", buf, nil
	default:
		return "", nil, fmt.Errorf("unsupported image format %q", format)
	}
}

// i420ToJPEG wraps a planar YUV 4:2:0 buffer, Y plane followed by
// quarter-size Cb and Cr planes, in an image.YCbCr and encodes it.
func i420ToJPEG(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	cw, ch := (width+1)/2, (height+1)/2
	want := width*height + 2*cw*ch
	if len(data) != want {
		return nil, fmt.Errorf("yuv420 frame is %d bytes, want %d for %dx%d", len(data), want, width, height)
	}

	ySize := width * height
	img := &image.YCbCr{
		Y:              data[:ySize],
		Cb:             data[ySize : ySize+cw*ch],
		Cr:             data[ySize+cw*ch:],
		YStride:        width,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
