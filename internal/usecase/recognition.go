package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-recognition/internal/faceprocessor"
	"github.com/example/face-recognition/internal/gallery"
	"github.com/example/face-recognition/internal/logging"
	"github.com/example/face-recognition/internal/matcher"
	"github.com/example/face-recognition/internal/repository"
	"github.com/example/face-recognition/internal/storage"
)

// SessionMode selects how unknown-face crops are kept between requests.
type SessionMode string

const (
	// SessionLocal keeps crops in a local directory that is emptied at the
	// start of every request. Requests are serialized; only suitable for a
	// single client at a time.
	SessionLocal SessionMode = "local"
	// SessionBlob uploads crops to durable storage under unique keys and
	// never clears anything.
	SessionBlob SessionMode = "blob"
)

// FailedCropPolicy decides what happens to a crop whose embedding or matching
// failed.
type FailedCropPolicy string

const (
	FailedCropDrop    FailedCropPolicy = "drop"
	FailedCropUnknown FailedCropPolicy = "unknown"
)

const cropContentType = "image/jpeg"

// GalleryLoader loads the gallery of a training unit.
type GalleryLoader interface {
	Load(ctx context.Context, unit string) (gallery.Gallery, error)
}

// FaceExtractor turns an image into fixed-size face crops.
type FaceExtractor interface {
	Extract(ctx context.Context, frame *faceprocessor.Frame) ([]*faceprocessor.Frame, error)
}

// UnknownSink stores crops of faces nobody was matched to.
type UnknownSink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// RecognitionRepository defines the persistence operations needed by the use case.
type RecognitionRepository interface {
	SaveLog(ctx context.Context, log *repository.RecognitionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.RecognitionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// RecognitionConfig tunes the batch workflow.
type RecognitionConfig struct {
	Threshold        float64
	Workers          int
	FailedCropPolicy FailedCropPolicy
	SessionMode      SessionMode
	ResultTTL        time.Duration
}

// RecognitionDeps are the collaborators of the recognition use case.
type RecognitionDeps struct {
	Galleries GalleryLoader
	Extractor FaceExtractor
	Embedder  faceprocessor.Embedder
	// Unknown receives unmatched crops. In SessionLocal mode it must also
	// implement storage.Clearer.
	Unknown UnknownSink
	// Crops receives every crop produced by ExtractFaces.
	Crops   UnknownSink
	Fetcher storage.Fetcher
	Repo    RecognitionRepository
	Cache   Cache
}

// UnknownFace is an unmatched face handed to the unknown sink.
type UnknownFace struct {
	ID       string `json:"id"`
	ImageURL string `json:"imageUrl"`
}

// BatchResult is the outcome of recognizing every face of one image.
type BatchResult struct {
	RequestID string
	// Recognized holds each matched identity once, sorted.
	Recognized []string
	// Unknown is in detection order.
	Unknown []UnknownFace
	// FaceCount is the number of faces detected, before matching.
	FaceCount int
	// Failed counts crops whose embedding or matching failed and that were
	// dropped.
	Failed int
}

// RecognitionUseCase encapsulates the batch recognition workflow and the
// read side built on its logs.
type RecognitionUseCase struct {
	deps      RecognitionDeps
	cfg       RecognitionConfig
	clearer   storage.Clearer
	sessionMu sync.Mutex
	retry     redisRetry
	logger    *zap.Logger
}

type cachedRecognition struct {
	RequestID           string    `json:"request_id"`
	Unit                string    `json:"unit"`
	FaceCount           int       `json:"face_count"`
	Recognized          []string  `json:"recognized"`
	UnknownCount        int       `json:"unknown_count"`
	FailedCount         int       `json:"failed_count"`
	ProcessingLatencyMs int64     `json:"processing_latency_ms"`
	CreatedAt           time.Time `json:"created_at"`
}

// NewRecognitionUseCase constructs a new use case instance.
func NewRecognitionUseCase(deps RecognitionDeps, cfg RecognitionConfig, logger *zap.Logger) (*RecognitionUseCase, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FailedCropPolicy == "" {
		cfg.FailedCropPolicy = FailedCropDrop
	}
	if cfg.SessionMode == "" {
		cfg.SessionMode = SessionBlob
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 5 * time.Minute
	}
	if deps.Cache == nil {
		deps.Cache = NopCache{}
	}
	if deps.Crops == nil {
		deps.Crops = deps.Unknown
	}

	switch cfg.FailedCropPolicy {
	case FailedCropDrop, FailedCropUnknown:
	default:
		return nil, fmt.Errorf("unsupported failed crop policy %q", cfg.FailedCropPolicy)
	}

	logger = logger.Named("recognition_usecase")
	uc := &RecognitionUseCase{deps: deps, cfg: cfg, retry: defaultRedisRetry(logger), logger: logger}
	switch cfg.SessionMode {
	case SessionLocal:
		clearer, ok := deps.Unknown.(storage.Clearer)
		if !ok {
			return nil, errors.New("local session mode needs an unknown-face store that can be cleared")
		}
		uc.clearer = clearer
	case SessionBlob:
	default:
		return nil, fmt.Errorf("unsupported session mode %q", cfg.SessionMode)
	}
	return uc, nil
}

type cropOutcome struct {
	identity string
	unknown  *UnknownFace
	key      string
	failed   bool
}

// RecognizeBatch detects every face in image, matches each one against the
// gallery of unit and stores the unmatched ones. A zero-face image is a valid
// outcome. Embedding or matching failures of single crops never abort the
// batch; failing to store an unknown face does, and the crops already stored
// for the batch are removed again.
func (uc *RecognitionUseCase) RecognizeBatch(ctx context.Context, unit string, image []byte) (*BatchResult, error) {
	requestID := uuid.NewString()
	start := time.Now()
	opLogger := logging.WithUnit(logging.WithOperation(uc.logger, "usecase.recognize_batch", requestID), unit)

	if unit == "" {
		return nil, logging.NewOperationError("usecase.recognize_batch", requestID, ErrUnitRequired)
	}

	frame, err := faceprocessor.DecodeFrame(image)
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_image", requestID, fmt.Errorf("%w: %v", ErrInvalidImage, err))
	}

	g, err := uc.deps.Galleries.Load(ctx, unit)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.load_gallery", requestID, err)
		opLogger.Warn("gallery unavailable", zap.Error(wrapped))
		return nil, wrapped
	}

	if uc.cfg.SessionMode == SessionLocal {
		uc.sessionMu.Lock()
		defer uc.sessionMu.Unlock()
		if err := uc.clearer.Clear(ctx); err != nil {
			wrapped := logging.NewOperationError("usecase.clear_unknown_faces", requestID, err)
			opLogger.Error("failed to clear unknown faces", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	crops, err := uc.deps.Extractor.Extract(ctx, frame)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.detect_faces", requestID, err)
		opLogger.Error("face detection failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if len(crops) > 0 && len(g) == 0 {
		return nil, logging.NewOperationError("usecase.load_gallery", requestID, matcher.ErrNoKnownEmbeddings)
	}

	outcomes := make([]cropOutcome, len(crops))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(uc.cfg.Workers)
	for i, crop := range crops {
		i, crop := i, crop
		eg.Go(func() error {
			var err error
			outcomes[i], err = uc.processCrop(egCtx, unit, g, crop, opLogger.With(zap.Int("crop", i)))
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		uc.discardUnknown(ctx, outcomes, opLogger)
		wrapped := logging.NewOperationError("usecase.store_unknown", requestID, err)
		opLogger.Error("failed to store unknown face", zap.Error(wrapped))
		return nil, wrapped
	}
	if err := ctx.Err(); err != nil {
		uc.discardUnknown(ctx, outcomes, opLogger)
		return nil, logging.NewOperationError("usecase.recognize_batch", requestID, err)
	}

	result := &BatchResult{
		RequestID:  requestID,
		Recognized: []string{},
		Unknown:    []UnknownFace{},
		FaceCount:  len(crops),
	}
	seen := make(map[string]struct{})
	for _, o := range outcomes {
		switch {
		case o.failed:
			result.Failed++
		case o.unknown != nil:
			result.Unknown = append(result.Unknown, *o.unknown)
		default:
			if _, ok := seen[o.identity]; !ok {
				seen[o.identity] = struct{}{}
				result.Recognized = append(result.Recognized, o.identity)
			}
		}
	}
	sort.Strings(result.Recognized)

	latency := time.Since(start)
	opLogger.Info("batch recognized",
		zap.Int("faces", result.FaceCount),
		zap.Int("recognized", len(result.Recognized)),
		zap.Int("unknown", len(result.Unknown)),
		zap.Int("failed", result.Failed),
		zap.Duration("latency", latency),
	)
	uc.recordResult(ctx, unit, result, latency, opLogger)
	return result, nil
}

// processCrop classifies one crop. The returned error is a storage failure
// and is fatal for the batch.
func (uc *RecognitionUseCase) processCrop(ctx context.Context, unit string, g gallery.Gallery, crop *faceprocessor.Frame, logger *zap.Logger) (cropOutcome, error) {
	vec, err := uc.deps.Embedder.Embed(ctx, crop)
	if err != nil {
		return uc.failedCrop(ctx, unit, crop, fmt.Errorf("embed: %w", err), logger)
	}

	match, err := matcher.Match(vec, g, uc.cfg.Threshold)
	if err != nil {
		return uc.failedCrop(ctx, unit, crop, fmt.Errorf("match: %w", err), logger)
	}
	if match.Known {
		logger.Debug("face recognized", zap.String("identity", match.Identity), zap.Float64("score", match.Score))
		return cropOutcome{identity: match.Identity}, nil
	}
	return uc.storeUnknown(ctx, unit, crop)
}

func (uc *RecognitionUseCase) failedCrop(ctx context.Context, unit string, crop *faceprocessor.Frame, cause error, logger *zap.Logger) (cropOutcome, error) {
	if uc.cfg.FailedCropPolicy != FailedCropUnknown {
		logger.Warn("crop processing failed, crop dropped", zap.Error(cause))
		return cropOutcome{failed: true}, nil
	}
	logger.Warn("crop processing failed, treating as unknown", zap.Error(cause))
	return uc.storeUnknown(ctx, unit, crop)
}

func (uc *RecognitionUseCase) storeUnknown(ctx context.Context, unit string, crop *faceprocessor.Frame) (cropOutcome, error) {
	data, err := crop.JPEG()
	if err != nil {
		return cropOutcome{}, fmt.Errorf("encode crop: %w", err)
	}
	id := uuid.NewString()
	key := id + ".jpg"
	if uc.cfg.SessionMode == SessionBlob {
		key = unit + "/" + key
	}
	url, err := uc.deps.Unknown.Put(ctx, key, data, cropContentType)
	if err != nil {
		return cropOutcome{}, fmt.Errorf("store %s: %w", key, err)
	}
	return cropOutcome{unknown: &UnknownFace{ID: id, ImageURL: url}, key: key}, nil
}

// discardUnknown removes the crops a failed batch already stored.
func (uc *RecognitionUseCase) discardUnknown(ctx context.Context, outcomes []cropOutcome, logger *zap.Logger) {
	keys := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.key != "" {
			keys = append(keys, o.key)
		}
	}
	discard(ctx, uc.deps.Unknown, keys, logger)
}

func discard(ctx context.Context, sink UnknownSink, keys []string, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := sink.Delete(ctx, key); err != nil {
			logger.Warn("failed to remove orphaned crop", zap.String("key", key), zap.Error(err))
		}
	}
}

// recordResult persists and caches the log of a batch. Failures are logged
// and never fail the recognition itself.
func (uc *RecognitionUseCase) recordResult(ctx context.Context, unit string, result *BatchResult, latency time.Duration, opLogger *zap.Logger) {
	log := &repository.RecognitionLog{
		RequestID:           result.RequestID,
		Unit:                unit,
		FaceCount:           result.FaceCount,
		Recognized:          result.Recognized,
		RecognizedCount:     result.FaceCount - len(result.Unknown) - result.Failed,
		UnknownCount:        len(result.Unknown),
		FailedCount:         result.Failed,
		ProcessingLatencyMs: latency.Milliseconds(),
		CreatedAt:           time.Now().UTC(),
	}
	if uc.deps.Repo != nil {
		if err := uc.deps.Repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist recognition log", zap.Error(err))
		}
	}

	serialized, err := json.Marshal(cachedRecognition{
		RequestID:           log.RequestID,
		Unit:                log.Unit,
		FaceCount:           log.FaceCount,
		Recognized:          log.Recognized,
		UnknownCount:        log.UnknownCount,
		FailedCount:         log.FailedCount,
		ProcessingLatencyMs: log.ProcessingLatencyMs,
		CreatedAt:           log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize recognition result", zap.Error(err))
		return
	}
	if err := uc.retry.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
		return uc.deps.Cache.Set(ctx, resultCacheKey(result.RequestID), string(serialized), uc.cfg.ResultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache recognition result", zap.Error(err))
	}
}

func resultCacheKey(requestID string) string {
	return "recognition:" + requestID
}

// GetResult retrieves a cached recognition outcome or loads it from persistence.
func (uc *RecognitionUseCase) GetResult(ctx context.Context, requestID string) (*repository.RecognitionLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.retry.withRedisGet(ctx, uc.deps.Cache, requestID, "cache.get.result", resultCacheKey(requestID)); err == nil {
		var payload cachedRecognition
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.RecognitionLog{
				RequestID:           payload.RequestID,
				Unit:                payload.Unit,
				FaceCount:           payload.FaceCount,
				Recognized:          payload.Recognized,
				RecognizedCount:     payload.FaceCount - payload.UnknownCount - payload.FailedCount,
				UnknownCount:        payload.UnknownCount,
				FailedCount:         payload.FailedCount,
				ProcessingLatencyMs: payload.ProcessingLatencyMs,
				CreatedAt:           payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	if uc.deps.Repo == nil {
		return nil, repository.ErrNotFound
	}
	return uc.deps.Repo.FindByRequestID(ctx, requestID)
}

// matchCrops embeds and matches crops and returns the known identities in
// crop order. Crops without an embedding are skipped; any other failure is
// returned.
func (uc *RecognitionUseCase) matchCrops(ctx context.Context, g gallery.Gallery, crops []*faceprocessor.Frame) ([]string, error) {
	recognized := []string{}
	for _, crop := range crops {
		vec, err := uc.deps.Embedder.Embed(ctx, crop)
		if err != nil {
			return nil, err
		}
		if vec == nil {
			continue
		}
		match, err := matcher.Match(vec, g, uc.cfg.Threshold)
		if err != nil {
			return nil, err
		}
		if match.Known {
			recognized = append(recognized, match.Identity)
		}
	}
	return recognized, nil
}
