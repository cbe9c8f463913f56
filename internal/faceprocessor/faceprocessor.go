package faceprocessor

import (
	"context"

	"github.com/example/face-recognition/internal/embedding"
)

// Box is a detected face region in pixel coordinates of the source image,
// [X1,X2) x [Y1,Y2) with X2/Y2 exclusive.
type Box struct {
	X1, Y1, X2, Y2 int
	Score          float64
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// Detector finds face regions in an image.
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]Box, error)
}

// Embedder turns a face image into an embedding. It returns a nil vector and a
// nil error when the model finds no face in the frame.
type Embedder interface {
	Embed(ctx context.Context, frame *Frame) (embedding.Vector, error)
}
