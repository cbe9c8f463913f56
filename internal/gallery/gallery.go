// Package gallery builds, persists and loads identity galleries: one averaged
// embedding (prototype) per identity, scoped to a training unit such as a
// class or a trip.
package gallery

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/example/face-recognition/internal/embedding"
)

var (
	// ErrNotFound is returned when no gallery has been trained for a unit.
	ErrNotFound = errors.New("gallery not found")
	// ErrTrainingDataNotFound is returned when the training image directory
	// of a unit does not exist.
	ErrTrainingDataNotFound = errors.New("training data not found")
	// ErrInconsistentDimension is returned when prototypes of one gallery do
	// not share a dimensionality.
	ErrInconsistentDimension = errors.New("gallery prototypes have inconsistent dimensions")
)

// Gallery maps identity identifiers to their prototype embedding. A loaded
// gallery is never mutated; retraining replaces it as a whole.
type Gallery map[string]embedding.Vector

// Dim returns the shared dimensionality of the prototypes, 0 for an empty
// gallery.
func (g Gallery) Dim() int {
	for _, v := range g {
		return v.Dim()
	}
	return 0
}

// Identities returns the identity identifiers in lexicographic order.
func (g Gallery) Identities() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every prototype is non-empty and all share one
// dimensionality.
func (g Gallery) Validate() error {
	dim := -1
	for _, id := range g.Identities() {
		v := g[id]
		if id == "" {
			return errors.New("gallery contains an empty identity")
		}
		if v.Dim() == 0 {
			return fmt.Errorf("identity %q has an empty prototype", id)
		}
		if dim == -1 {
			dim = v.Dim()
			continue
		}
		if v.Dim() != dim {
			return fmt.Errorf("%w: %q has %d, want %d", ErrInconsistentDimension, id, v.Dim(), dim)
		}
	}
	return nil
}

// ClassUnit is the training unit of an attendance class.
func ClassUnit(department, year, classID string) string {
	return path.Join("classes", unitSegment(department), unitSegment(year), unitSegment(classID))
}

// TripUnit is the training unit of a trip.
func TripUnit(tripID string) string {
	return path.Join("trips", unitSegment(tripID))
}

// BlobKey is the storage key a unit's gallery is persisted under.
func BlobKey(unit string) string {
	return unit + ".gallery"
}

func unitSegment(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
