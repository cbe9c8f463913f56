package usecase

import (
	"context"
	"errors"
)

// MetricsSummary represents aggregated recognition insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	TotalFaces                 int64   `json:"total_faces"`
	RecognizedFaces            int64   `json:"recognized_faces"`
	UnknownFaces               int64   `json:"unknown_faces"`
	FailedFaces                int64   `json:"failed_faces"`
	RecognitionRate            float64 `json:"recognition_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates recognition metrics from persisted logs.
func (uc *RecognitionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.deps.Repo == nil {
		return nil, errors.New("no recognition log repository configured")
	}
	aggregation, err := uc.deps.Repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		TotalFaces:                 aggregation.TotalFaces,
		RecognizedFaces:            aggregation.TotalRecognized,
		UnknownFaces:               aggregation.TotalUnknown,
		FailedFaces:                aggregation.TotalFailed,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalFaces > 0 {
		summary.RecognitionRate = float64(aggregation.TotalRecognized) / float64(aggregation.TotalFaces)
	}

	return summary, nil
}
