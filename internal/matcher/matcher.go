// Package matcher classifies a face embedding against a gallery of identity
// prototypes.
package matcher

import (
	"errors"
	"fmt"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/gallery"
)

// Unknown is the identity reported for faces that match nobody.
const Unknown = "unknown"

// DefaultThreshold is the similarity a match has to exceed.
const DefaultThreshold = 0.4

var (
	// ErrNoKnownEmbeddings is returned when matching against an empty gallery.
	ErrNoKnownEmbeddings = errors.New("no known embeddings available")
	// ErrDimensionMismatch is returned when the query and the prototypes
	// differ in length.
	ErrDimensionMismatch = errors.New("embedding dimension does not match gallery")
)

// Result is the outcome of matching one embedding. Score is only meaningful
// when Known is true.
type Result struct {
	Identity string
	Score    float64
	Known    bool
}

// Match returns the gallery identity most similar to query by cosine
// similarity, provided the similarity is strictly greater than threshold.
//
// A nil query means no face was found upstream and always yields Unknown.
// Exact ties go to the lexicographically smallest identity.
func Match(query embedding.Vector, g gallery.Gallery, threshold float64) (Result, error) {
	if query == nil {
		return Result{Identity: Unknown}, nil
	}
	if len(g) == 0 {
		return Result{}, ErrNoKnownEmbeddings
	}

	best := Result{Score: -2}
	for _, id := range g.Identities() {
		sim, err := embedding.CosineSimilarity(query, g[id])
		if err != nil {
			if errors.Is(err, embedding.ErrDimensionMismatch) || errors.Is(err, embedding.ErrEmpty) {
				return Result{}, fmt.Errorf("%w: query %d, %q %d", ErrDimensionMismatch, query.Dim(), id, g[id].Dim())
			}
			return Result{}, err
		}
		// Identities are visited in order, so strict > keeps the smallest on ties.
		if sim > best.Score {
			best = Result{Identity: id, Score: sim}
		}
	}

	if best.Score > threshold {
		best.Known = true
		return best, nil
	}
	return Result{Identity: Unknown}, nil
}
