package usecase

import "context"

// MetricsSummary represents aggregated screening insights for the operator
// dashboard. Rates are derived here rather than in SQL so the aggregation
// query stays a single pass.
type MetricsSummary struct {
	TotalScans         int64   `json:"total_scans"`
	RedCount           int64   `json:"red_count"`
	AmberCount         int64   `json:"amber_count"`
	GreenCount         int64   `json:"green_count"`
	ModelBackedScans   int64   `json:"model_backed_scans"`
	ModelBackedRate    float64 `json:"model_backed_rate"`
	AverageRiskScore   float64 `json:"average_risk_score"`
	AverageInferenceMs float64 `json:"average_inference_ms"`
	PendingSyncCount   int64   `json:"pending_sync_count"`
}

// GetMetricsSummary aggregates screening metrics from persisted records and
// reports how many are still waiting on the sync queue.
func (uc *ScreeningUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := uc.repo.CountUnsynced(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalScans:         aggregation.TotalCount,
		RedCount:           aggregation.RedCount,
		AmberCount:         aggregation.AmberCount,
		GreenCount:         aggregation.GreenCount,
		ModelBackedScans:   aggregation.ModelBackedCount,
		AverageRiskScore:   aggregation.AverageRiskScore,
		AverageInferenceMs: aggregation.AverageInferenceMs,
		PendingSyncCount:   pending,
	}

	if aggregation.TotalCount > 0 {
		summary.ModelBackedRate = float64(aggregation.ModelBackedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
