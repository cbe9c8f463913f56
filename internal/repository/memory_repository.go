package repository

import (
	"context"
	"sync"
)

// MemoryRepository keeps recognition logs in process memory. It is used when
// no database is configured; logs are lost on restart.
type MemoryRepository struct {
	mu   sync.RWMutex
	logs map[string]*RecognitionLog
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{logs: make(map[string]*RecognitionLog)}
}

// SaveLog stores a copy of log.
func (m *MemoryRepository) SaveLog(ctx context.Context, log *RecognitionLog) error {
	stored := *log
	stored.Recognized = append([]string(nil), log.Recognized...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[log.RequestID] = &stored
	return nil
}

// FindByRequestID returns the stored log or ErrNotFound.
func (m *MemoryRepository) FindByRequestID(ctx context.Context, requestID string) (*RecognitionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *log
	return &out, nil
}

// AggregateMetrics computes totals across stored logs.
func (m *MemoryRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg := &MetricsAggregation{}
	var latency int64
	for _, log := range m.logs {
		agg.TotalCount++
		agg.TotalFaces += int64(log.FaceCount)
		agg.TotalRecognized += int64(log.RecognizedCount)
		agg.TotalUnknown += int64(log.UnknownCount)
		agg.TotalFailed += int64(log.FailedCount)
		latency += log.ProcessingLatencyMs
	}
	if agg.TotalCount > 0 {
		agg.AverageProcessingLatencyMs = float64(latency) / float64(agg.TotalCount)
	}
	return agg, nil
}
