package faceprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used whenever a frame has to be (re)encoded.
const JPEGQuality = 95

// ErrUndecodable is returned when image bytes cannot be decoded.
var ErrUndecodable = errors.New("image could not be decoded")

// Frame is a decoded image together with its encoded bytes.
type Frame struct {
	Image  image.Image
	Data   []byte
	Format string
}

// DecodeFrame decodes data in any registered format (jpeg, png, gif, bmp, webp).
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUndecodable)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return &Frame{Image: img, Data: data, Format: format}, nil
}

// NewJPEGFrame encodes img as JPEG and wraps it in a frame.
func NewJPEGFrame(img image.Image) (*Frame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return &Frame{Image: img, Data: buf.Bytes(), Format: "jpeg"}, nil
}

// JPEG returns the frame as JPEG bytes, re-encoding only when the source
// format differs.
func (f *Frame) JPEG() ([]byte, error) {
	if f.Format == "jpeg" && len(f.Data) > 0 {
		return f.Data, nil
	}
	encoded, err := NewJPEGFrame(f.Image)
	if err != nil {
		return nil, err
	}
	return encoded.Data, nil
}

// Size returns width and height of the decoded image.
func (f *Frame) Size() (int, int) {
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}
