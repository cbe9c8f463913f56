package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/logging"
)

// ExtractionResult lists the stored crops of one source image.
type ExtractionResult struct {
	Faces            []UnknownFace
	OriginalImageURL string
}

// ExtractFaces downloads one image, crops every face and uploads each crop
// under <unit>/<id>.jpg. The crops are typically used to train a trip
// gallery afterwards.
func (uc *RecognitionUseCase) ExtractFaces(ctx context.Context, unit, imageURL string) (*ExtractionResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithUnit(logging.WithOperation(uc.logger, "usecase.extract_faces", requestID), unit)

	if unit == "" {
		return nil, logging.NewOperationError("usecase.extract_faces", requestID, ErrUnitRequired)
	}

	data, err := uc.deps.Fetcher.Fetch(ctx, imageURL)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.fetch_image", requestID, err)
		opLogger.Error("failed to download image", zap.String("image_url", imageURL), zap.Error(wrapped))
		return nil, wrapped
	}
	frame, err := faceprocessor.DecodeFrame(data)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_image", requestID, fmt.Errorf("%w: %v", ErrInvalidImage, err))
	}

	crops, err := uc.deps.Extractor.Extract(ctx, frame)
	if err != nil {
		return nil, logging.NewOperationError("usecase.detect_faces", requestID, err)
	}

	result := &ExtractionResult{Faces: make([]UnknownFace, 0, len(crops)), OriginalImageURL: imageURL}
	stored := make([]string, 0, len(crops))
	for _, crop := range crops {
		jpegData, err := crop.JPEG()
		if err != nil {
			discard(ctx, uc.deps.Crops, stored, opLogger)
			return nil, logging.NewOperationError("usecase.encode_crop", requestID, err)
		}
		id := uuid.NewString()
		key := unit + "/" + id + ".jpg"
		url, err := uc.deps.Crops.Put(ctx, key, jpegData, cropContentType)
		if err != nil {
			discard(ctx, uc.deps.Crops, stored, opLogger)
			wrapped := logging.NewOperationError("usecase.store_crop", requestID, err)
			opLogger.Error("failed to upload face crop", zap.Error(wrapped))
			return nil, wrapped
		}
		stored = append(stored, key)
		result.Faces = append(result.Faces, UnknownFace{ID: id, ImageURL: url})
	}

	opLogger.Info("faces extracted", zap.Int("count", len(result.Faces)))
	return result, nil
}
