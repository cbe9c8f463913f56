// Package embedding holds the vector arithmetic shared by gallery training and
// matching: prototype averaging and cosine similarity.
package embedding

import (
	"errors"
	"math"
)

var (
	// ErrEmpty is returned when an operation needs at least one vector.
	ErrEmpty = errors.New("embedding: no vectors")
	// ErrDimensionMismatch is returned when vectors of different length are combined.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

// Vector is a fixed-length face embedding as produced by the extractor.
// Vectors are treated as immutable once produced.
type Vector []float32

// Dim returns the dimensionality of the vector.
func (v Vector) Dim() int {
	return len(v)
}

// Clone returns a copy that does not share the backing array.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Mean computes the coordinate-wise arithmetic mean of vectors.
// Accumulation is done in float64 so averaging identical vectors
// reproduces them exactly.
func Mean(vectors []Vector) (Vector, error) {
	if len(vectors) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, ErrEmpty
	}

	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, ErrDimensionMismatch
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	n := float64(len(vectors))
	mean := make(Vector, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / n)
	}
	return mean, nil
}

// CosineSimilarity returns dot(a,b) / (|a| * |b|), clamped to [-1, 1].
// A zero vector has similarity 0 with everything.
func CosineSimilarity(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	if len(a) == 0 {
		return 0, ErrEmpty
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to absorb floating point drift.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, nil
}
