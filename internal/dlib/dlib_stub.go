//go:build !dlib

package dlib

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
)

// Available reports whether the binary was built with dlib support.
const Available = false

// Recognizer is a placeholder so callers compile without cgo.
type Recognizer struct{}

// New always fails without the dlib build tag.
func New(modelsDir string, logger *zap.Logger) (*Recognizer, error) {
	return nil, ErrUnavailable
}

func (r *Recognizer) Detect(ctx context.Context, frame *faceprocessor.Frame) ([]faceprocessor.Box, error) {
	return nil, ErrUnavailable
}

func (r *Recognizer) Embed(ctx context.Context, frame *faceprocessor.Frame) (embedding.Vector, error) {
	return nil, ErrUnavailable
}

func (r *Recognizer) Close() error { return nil }
