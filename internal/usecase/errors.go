package usecase

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidImage is returned when the uploaded image cannot be decoded.
	ErrInvalidImage = errors.New("invalid image")
	// ErrUnitRequired is returned when a training unit identifier is missing
	// or malformed.
	ErrUnitRequired = errors.New("training unit identifiers are required")
)

// requireSegments checks that every named identifier is present and usable as
// a single path segment.
func requireSegments(named ...string) error {
	for i := 0; i+1 < len(named); i += 2 {
		name, value := named[i], strings.TrimSpace(named[i+1])
		if value == "" {
			return fmt.Errorf("%w: %s is empty", ErrUnitRequired, name)
		}
		if value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
			return fmt.Errorf("%w: %s %q is not a valid identifier", ErrUnitRequired, name, value)
		}
	}
	return nil
}
