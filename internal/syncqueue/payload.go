package syncqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/anemia-screen/internal/repository"
	"github.com/example/anemia-screen/internal/triage"
)

// BatchEntry is one record's anonymized contribution to a batch.
type BatchEntry struct {
	Modality        string  `json:"modality"`
	RiskScore       float64 `json:"risk_score"`
	RiskLevel       string  `json:"risk_level"`
	Confidence      float64 `json:"confidence"`
	InferenceTimeMs int64   `json:"inference_time_ms"`
	FeatureVector   string  `json:"feature_vector"`
}

// BatchAggregates summarizes a batch for the research consumer.
type BatchAggregates struct {
	RecordCount   int     `json:"record_count"`
	MeanRiskScore float64 `json:"mean_risk_score"`
	RedCount      int     `json:"red_count"`
	AmberCount    int     `json:"amber_count"`
	GreenCount    int     `json:"green_count"`
}

// BatchPayload is the complete sync artifact. Operator, patient reference,
// image path, hash, and raw vitals never appear in it.
type BatchPayload struct {
	DeviceID   string          `json:"device_id"`
	BatchID    string          `json:"batch_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Entries    []BatchEntry    `json:"entries"`
	Aggregates BatchAggregates `json:"aggregates"`
}

// BuildBatchPayload assembles the anonymized payload for one cycle's
// records.
func BuildBatchPayload(deviceID string, records []*repository.ScanRecord) *BatchPayload {
	payload := &BatchPayload{
		DeviceID:  deviceID,
		BatchID:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Entries:   make([]BatchEntry, 0, len(records)),
	}

	var riskSum float64
	for _, record := range records {
		payload.Entries = append(payload.Entries, BatchEntry{
			Modality:        record.Modality,
			RiskScore:       record.RiskScore,
			RiskLevel:       record.RiskLevel,
			Confidence:      record.Confidence,
			InferenceTimeMs: record.InferenceTimeMs,
			FeatureVector:   record.FeatureVector,
		})

		riskSum += record.RiskScore
		switch triage.Level(record.RiskLevel) {
		case triage.LevelRed:
			payload.Aggregates.RedCount++
		case triage.LevelAmber:
			payload.Aggregates.AmberCount++
		case triage.LevelGreen:
			payload.Aggregates.GreenCount++
		}
	}

	payload.Aggregates.RecordCount = len(records)
	if len(records) > 0 {
		payload.Aggregates.MeanRiskScore = riskSum / float64(len(records))
	}
	return payload
}
