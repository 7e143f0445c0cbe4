package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	FrameWidth    = 320
	FrameHeight   = 240
	FrameQuality  = 80
	FrameMIMEType = "image/jpeg"
)

// SampleFrame scales img to FrameWidth x FrameHeight and JPEG-encodes it.
func SampleFrame(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty frame")
	}
	dst := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: FrameQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
