package usecase

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/storage"
)

// Trainer builds and persists a gallery from identity sources.
type Trainer interface {
	Train(ctx context.Context, unit string, sources []gallery.IdentitySource) (string, gallery.Gallery, error)
}

// TrainingResult describes a freshly persisted gallery.
type TrainingResult struct {
	RequestID  string
	Unit       string
	Location   string
	Identities []string
}

// TrainingUseCase builds class galleries from the local training directory
// and trip galleries from face image URLs.
type TrainingUseCase struct {
	trainer      Trainer
	fetcher      storage.Fetcher
	trainingRoot string
	logger       *zap.Logger
}

// NewTrainingUseCase constructs a new use case instance. trainingRoot holds
// one directory per department/year/class.
func NewTrainingUseCase(trainer Trainer, fetcher storage.Fetcher, trainingRoot string, logger *zap.Logger) *TrainingUseCase {
	return &TrainingUseCase{
		trainer:      trainer,
		fetcher:      fetcher,
		trainingRoot: trainingRoot,
		logger:       logger.Named("training_usecase"),
	}
}

// TrainClass rebuilds the gallery of one attendance class from
// <root>/<department>/<year>/<classID>/<student>/<images>.
func (uc *TrainingUseCase) TrainClass(ctx context.Context, department, year, classID string) (*TrainingResult, error) {
	requestID := uuid.NewString()
	if err := requireSegments("department", department, "year", year, "classID", classID); err != nil {
		return nil, logging.NewOperationError("usecase.train_class", requestID, err)
	}
	unit := gallery.ClassUnit(department, year, classID)
	dir := filepath.Join(uc.trainingRoot, strings.TrimSpace(department), strings.TrimSpace(year), strings.TrimSpace(classID))

	sources, err := gallery.DirectorySources(dir)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.list_training_data", requestID, err)
		logging.WithOperation(uc.logger, "usecase.train_class", requestID).Warn("training data unavailable", zap.Error(wrapped))
		return nil, wrapped
	}
	return uc.train(ctx, requestID, unit, sources)
}

// TrainTrip rebuilds the gallery of a trip from face image URLs grouped by
// identity.
func (uc *TrainingUseCase) TrainTrip(ctx context.Context, tripID string, faces map[string][]string) (*TrainingResult, error) {
	requestID := uuid.NewString()
	if err := requireSegments("tripId", tripID); err != nil {
		return nil, logging.NewOperationError("usecase.train_trip", requestID, err)
	}
	return uc.train(ctx, requestID, gallery.TripUnit(tripID), gallery.URLSources(faces, uc.fetcher))
}

func (uc *TrainingUseCase) train(ctx context.Context, requestID, unit string, sources []gallery.IdentitySource) (*TrainingResult, error) {
	opLogger := logging.WithUnit(logging.WithOperation(uc.logger, "usecase.train", requestID), unit)

	location, g, err := uc.trainer.Train(ctx, unit, sources)
	if err != nil {
		opLogger.Error("training failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.train", requestID, err)
	}
	opLogger.Info("gallery replaced", zap.Int("identities", len(g)), zap.String("location", location))
	return &TrainingResult{
		RequestID:  requestID,
		Unit:       unit,
		Location:   location,
		Identities: g.Identities(),
	}, nil
}
