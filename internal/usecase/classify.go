package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/matcher"
)

// ImageClassification is the outcome for one image of a classification run.
// Exactly one of Recognized and Error is meaningful.
type ImageClassification struct {
	ImageURL string
	// Recognized lists matched identities in detection order; an identity
	// appears once per matching face.
	Recognized []string
	Error      string
}

// ClassifyImages recognizes the faces of every image URL against the gallery
// of unit. Download and processing errors are reported per image; only a
// gallery that cannot be loaded fails the whole call.
func (uc *RecognitionUseCase) ClassifyImages(ctx context.Context, unit string, imageURLs []string) ([]ImageClassification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithUnit(logging.WithOperation(uc.logger, "usecase.classify_images", requestID), unit)

	if unit == "" {
		return nil, logging.NewOperationError("usecase.classify_images", requestID, ErrUnitRequired)
	}
	g, err := uc.deps.Galleries.Load(ctx, unit)
	if err != nil {
		return nil, logging.NewOperationError("usecase.load_gallery", requestID, err)
	}
	if len(g) == 0 {
		return nil, logging.NewOperationError("usecase.load_gallery", requestID, matcher.ErrNoKnownEmbeddings)
	}

	results := make([]ImageClassification, len(imageURLs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(uc.cfg.Workers)
	for i, imageURL := range imageURLs {
		i, imageURL := i, imageURL
		eg.Go(func() error {
			results[i] = ImageClassification{ImageURL: imageURL}

			data, err := uc.deps.Fetcher.Fetch(egCtx, imageURL)
			if err != nil {
				opLogger.Warn("skipping image, download failed", zap.String("image_url", imageURL), zap.Error(err))
				results[i].Error = "Failed to download"
				return nil
			}
			recognized, err := uc.classifyImage(egCtx, g, data)
			if err != nil {
				opLogger.Warn("skipping image, processing failed", zap.String("image_url", imageURL), zap.Error(err))
				results[i].Error = fmt.Sprintf("Processing error: %v", err)
				return nil
			}
			results[i].Recognized = recognized
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("usecase.classify_images", requestID, err)
	}

	opLogger.Info("images classified", zap.Int("images", len(imageURLs)))
	return results, nil
}

func (uc *RecognitionUseCase) classifyImage(ctx context.Context, g gallery.Gallery, data []byte) ([]string, error) {
	frame, err := faceprocessor.DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	crops, err := uc.deps.Extractor.Extract(ctx, frame)
	if err != nil {
		return nil, err
	}
	return uc.matchCrops(ctx, g, crops)
}
