//go:build dlib

// Package dlib runs face detection and embedding in process through dlib
// (github.com/Kagami/go-face). It needs cgo and the dlib models on disk, so it
// is only compiled with the "dlib" build tag.
package dlib

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
)

// Available reports whether the binary was built with dlib support.
const Available = true

// Recognizer implements faceprocessor.Detector and faceprocessor.Embedder.
// The underlying dlib recognizer is not safe for concurrent use; calls are
// serialized.
type Recognizer struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	logger *zap.Logger
}

// New loads the models from modelsDir. Loading takes a few seconds and should
// happen once per process.
func New(modelsDir string, logger *zap.Logger) (*Recognizer, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelsDir, err)
	}
	logger.Named("dlib").Info("dlib models loaded", zap.String("dir", modelsDir))
	return &Recognizer{rec: rec, logger: logger.Named("dlib")}, nil
}

// Detect returns the boxes of all faces in frame.
func (r *Recognizer) Detect(ctx context.Context, frame *faceprocessor.Frame) ([]faceprocessor.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	faces, err := r.rec.Recognize(data)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	boxes := make([]faceprocessor.Box, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, faceprocessor.Box{
			X1:    f.Rectangle.Min.X,
			Y1:    f.Rectangle.Min.Y,
			X2:    f.Rectangle.Max.X,
			Y2:    f.Rectangle.Max.Y,
			Score: 1,
		})
	}
	return boxes, nil
}

// Embed returns the 128-d descriptor of the first face in frame, or nil when
// dlib finds no face.
func (r *Recognizer) Embed(ctx context.Context, frame *faceprocessor.Frame) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	f, err := r.rec.RecognizeSingle(data)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize single: %w", err)
	}
	if f == nil {
		return nil, nil
	}
	desc := [128]float32(f.Descriptor)
	return embedding.Vector(desc[:]).Clone(), nil
}

// Close releases the dlib resources.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Close()
	return nil
}
