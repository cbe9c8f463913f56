package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/matcher"
	"github.com/example/face-recognition/internal/repository"
	"github.com/example/face-recognition/internal/usecase"
)

// upstreamOperations fail because storage, the network or the model sidecar
// did.
var upstreamOperations = map[string]bool{
	"gallery.aggregate":              true,
	"gallery.save":                   true,
	"usecase.load_gallery":           true,
	"usecase.fetch_image":            true,
	"usecase.store_crop":             true,
	"usecase.store_unknown":          true,
	"usecase.detect_faces":           true,
	"usecase.clear_unknown_faces":    true,
	"grpcclient.detect":              true,
	"grpcclient.embed":               true,
	"grpcclient.dial_face_processor": true,
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrInvalidImage), errors.Is(err, usecase.ErrUnitRequired):
		return http.StatusBadRequest
	case errors.Is(err, gallery.ErrNotFound),
		errors.Is(err, gallery.ErrTrainingDataNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrNoKnownEmbeddings):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	for e := err; e != nil; {
		var opErr *logging.OperationError
		if !errors.As(e, &opErr) {
			break
		}
		if upstreamOperations[opErr.Operation] {
			return http.StatusBadGateway
		}
		e = opErr.Err
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
