package gallery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/embedding"
	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/logging"
)

// Saver persists a gallery for a unit and returns its location.
type Saver interface {
	Save(ctx context.Context, unit string, g Gallery) (string, error)
}

// Aggregator turns training images into a gallery of identity prototypes.
type Aggregator struct {
	embedder faceprocessor.Embedder
	saver    Saver
	logger   *zap.Logger
}

// NewAggregator builds an aggregator. saver may be nil when only Aggregate is
// used.
func NewAggregator(embedder faceprocessor.Embedder, saver Saver, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		embedder: embedder,
		saver:    saver,
		logger:   logger.Named("aggregator"),
	}
}

// Aggregate embeds every source image and averages the embeddings per
// identity. Unreadable or undecodable images, images without a face and
// extractor failures are skipped. Identities left without any embedding are
// not part of the result. Failing to download a remote image aborts the run.
func (a *Aggregator) Aggregate(ctx context.Context, sources []IdentitySource) (Gallery, error) {
	g := make(Gallery, len(sources))
	dim := 0
	for _, src := range sources {
		idLogger := a.logger.With(zap.String("identity", src.Identity))

		var vectors []embedding.Vector
		for _, img := range src.Images {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := a.embedSource(ctx, img, idLogger)
			if err != nil {
				return nil, err
			}
			if vec == nil {
				continue
			}
			if dim == 0 {
				dim = vec.Dim()
			} else if vec.Dim() != dim {
				return nil, fmt.Errorf("%w: %s produced %d, want %d", embedding.ErrDimensionMismatch, img.Name(), vec.Dim(), dim)
			}
			vectors = append(vectors, vec)
		}

		if len(vectors) == 0 {
			idLogger.Warn("no valid embeddings, identity dropped")
			continue
		}
		prototype, err := embedding.Mean(vectors)
		if err != nil {
			return nil, fmt.Errorf("average %s: %w", src.Identity, err)
		}
		g[src.Identity] = prototype
		idLogger.Debug("prototype built", zap.Int("embeddings", len(vectors)))
	}
	return g, nil
}

// embedSource returns nil, nil for sources that are skipped.
func (a *Aggregator) embedSource(ctx context.Context, img ImageSource, logger *zap.Logger) (embedding.Vector, error) {
	logger = logger.With(zap.String("source", img.Name()))

	data, err := img.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrSourceUnreadable) {
			logger.Warn("skipping unreadable image", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", img.Name(), err)
	}

	frame, err := faceprocessor.DecodeFrame(data)
	if err != nil {
		logger.Warn("skipping undecodable image", zap.Error(err))
		return nil, nil
	}

	vec, err := a.embedder.Embed(ctx, frame)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("embedding failed, skipping image", zap.Error(err))
		return nil, nil
	}
	if vec == nil {
		logger.Info("no face detected, skipping image")
		return nil, nil
	}
	return vec, nil
}

// Train aggregates sources and persists the gallery for unit, replacing any
// previous one. Nothing is written unless aggregation succeeds.
func (a *Aggregator) Train(ctx context.Context, unit string, sources []IdentitySource) (string, Gallery, error) {
	opLogger := logging.WithUnit(a.logger, unit)

	g, err := a.Aggregate(ctx, sources)
	if err != nil {
		return "", nil, logging.NewOperationError("gallery.aggregate", "", err)
	}
	if a.saver == nil {
		return "", nil, logging.NewOperationError("gallery.save", "", errors.New("no gallery store configured"))
	}
	location, err := a.saver.Save(ctx, unit, g)
	if err != nil {
		return "", nil, logging.NewOperationError("gallery.save", "", err)
	}
	opLogger.Info("gallery trained",
		zap.Int("identities", len(g)),
		zap.Int("sources", len(sources)),
		zap.String("location", location),
	)
	return location, g, nil
}
