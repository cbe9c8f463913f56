package faceprocessor

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// CropOptions controls how detected boxes are turned into face crops.
type CropOptions struct {
	// Margin expands each side of the box by this fraction of its width/height.
	Margin float64
	// Size is the edge length of the square output crop.
	Size int
	// Sharpen applies a 3x3 sharpening kernel after resizing.
	Sharpen bool
}

// DefaultCropOptions matches what the embedding model expects: 20% margin,
// 160x160 crops, sharpened.
func DefaultCropOptions() CropOptions {
	return CropOptions{Margin: 0.2, Size: 160, Sharpen: true}
}

// ExpandBox grows b by margin on every side and clamps it to bounds.
func ExpandBox(b Box, margin float64, bounds image.Rectangle) image.Rectangle {
	mx := int(float64(b.X2-b.X1) * margin)
	my := int(float64(b.Y2-b.Y1) * margin)
	r := image.Rect(
		bounds.Min.X+b.X1-mx,
		bounds.Min.Y+b.Y1-my,
		bounds.Min.X+b.X2+mx,
		bounds.Min.Y+b.Y2+my,
	)
	return r.Intersect(bounds)
}

// CropFaces cuts every box out of img and returns fixed-size JPEG frames in box
// order. Boxes that end up with no area after clamping are skipped.
func CropFaces(img image.Image, boxes []Box, opts CropOptions) ([]*Frame, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultCropOptions().Size
	}
	crops := make([]*Frame, 0, len(boxes))
	for _, b := range boxes {
		if b.Empty() {
			continue
		}
		region := ExpandBox(b, opts.Margin, img.Bounds())
		if region.Empty() {
			continue
		}

		dst := image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, region, draw.Src, nil)

		var out image.Image = dst
		if opts.Sharpen {
			out = Sharpen(dst)
		}
		frame, err := NewJPEGFrame(out)
		if err != nil {
			return nil, fmt.Errorf("crop %v: %w", region, err)
		}
		crops = append(crops, frame)
	}
	return crops, nil
}

var sharpenKernel = [3][3]int{
	{0, -1, 0},
	{-1, 5, -1},
	{0, -1, 0},
}

// Sharpen convolves src with a 3x3 sharpening kernel. Edge pixels are
// replicated outwards; alpha is kept as is.
func Sharpen(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl int
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					w := sharpenKernel[ky+1][kx+1]
					if w == 0 {
						continue
					}
					c := src.RGBAAt(clamp(x+kx, b.Min.X, b.Max.X-1), clamp(y+ky, b.Min.Y, b.Max.Y-1))
					r += w * int(c.R)
					g += w * int(c.G)
					bl += w * int(c.B)
				}
			}
			dst.SetRGBA(x, y, color.RGBA{
				R: clampByte(r),
				G: clampByte(g),
				B: clampByte(bl),
				A: src.RGBAAt(x, y).A,
			})
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v int) uint8 {
	return uint8(clamp(v, 0, 255))
}

// Extractor runs detection and crop preprocessing for one image.
type Extractor struct {
	detector Detector
	opts     CropOptions
}

// NewExtractor builds an extractor around a detector.
func NewExtractor(detector Detector, opts CropOptions) *Extractor {
	return &Extractor{detector: detector, opts: opts}
}

// Extract returns the face crops of frame. A frame without faces yields an
// empty slice and no error.
func (e *Extractor) Extract(ctx context.Context, frame *Frame) ([]*Frame, error) {
	boxes, err := e.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(boxes) == 0 {
		return []*Frame{}, nil
	}
	return CropFaces(frame.Image, boxes, e.opts)
}
