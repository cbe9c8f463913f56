package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-recognition/internal/logging"
)

// ErrNotFound is returned when no log exists for a request ID.
var ErrNotFound = errors.New("recognition log not found")

// RecognitionLog is the persisted summary of one batch recognition request.
type RecognitionLog struct {
	ID                  uint      `gorm:"primaryKey"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Unit                string    `gorm:"column:unit;index;size:255"`
	FaceCount           int       `gorm:"column:face_count"`
	Recognized          []string  `gorm:"column:recognized;type:text;serializer:json"`
	RecognizedCount     int       `gorm:"column:recognized_count"`
	UnknownCount        int       `gorm:"column:unknown_count"`
	FailedCount         int       `gorm:"column:failed_count"`
	ProcessingLatencyMs int64     `gorm:"column:processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RecognitionLog) TableName() string {
	return "recognition_logs"
}

// MetricsAggregation holds totals over all persisted recognition logs.
type MetricsAggregation struct {
	TotalCount                 int64
	TotalFaces                 int64
	TotalRecognized            int64
	TotalUnknown               int64
	TotalFailed                int64
	AverageProcessingLatencyMs float64
}

// RecognitionRepository provides persistence APIs for recognition logs.
type RecognitionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRecognitionRepository creates a new repository instance.
func NewRecognitionRepository(db *gorm.DB, logger *zap.Logger) *RecognitionRepository {
	return &RecognitionRepository{
		db:             db,
		logger:         logger.Named("recognition_repository"),
		retryAttempts:  3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RecognitionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&RecognitionLog{})
	})
}

// SaveLog persists a recognition log entry.
func (r *RecognitionRepository) SaveLog(ctx context.Context, log *RecognitionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log of one request.
func (r *RecognitionRepository) FindByRequestID(ctx context.Context, requestID string) (*RecognitionLog, error) {
	var log RecognitionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals across all logs.
func (r *RecognitionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount      int64
		TotalFaces      int64
		TotalRecognized int64
		TotalUnknown    int64
		TotalFailed     int64
		AvgLatency      float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&RecognitionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(face_count), 0) AS total_faces,
				COALESCE(SUM(recognized_count), 0) AS total_recognized,
				COALESCE(SUM(unknown_count), 0) AS total_unknown,
				COALESCE(SUM(failed_count), 0) AS total_failed,
				COALESCE(AVG(processing_latency_ms), 0) AS avg_latency`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:                 row.TotalCount,
		TotalFaces:                 row.TotalFaces,
		TotalRecognized:            row.TotalRecognized,
		TotalUnknown:               row.TotalUnknown,
		TotalFailed:                row.TotalFailed,
		AverageProcessingLatencyMs: row.AvgLatency,
	}, nil
}

func (r *RecognitionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
