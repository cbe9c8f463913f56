package dlib

import "errors"

// ErrUnavailable is returned when the binary was built without the dlib tag.
var ErrUnavailable = errors.New("dlib backend not compiled in, rebuild with -tags dlib")
