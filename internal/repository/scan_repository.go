package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/anemia-screen/internal/logging"
)

// Scan modalities accepted by the capture flow.
const (
	ModalityConjunctiva = "conjunctiva"
	ModalityNailBed     = "nailbed"
)

// ValidModality reports whether m names a supported capture site.
func ValidModality(m string) bool {
	return m == ModalityConjunctiva || m == ModalityNailBed
}

// Sync states of a scan record. A record starts pending, moves to synced or
// failed after a sync cycle, and failed records stay eligible for the next
// cycle; synced is permanent.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
)

// ScanRecord is one completed screening. Identifying fields (operator,
// patient_ref, image_path, sha1_hash, raw vitals) never leave the device;
// the sync payload is built from the remaining columns only.
type ScanRecord struct {
	ID         uint   `gorm:"primaryKey"`
	ScanID     string `gorm:"column:scan_id;uniqueIndex;size:64"`
	Operator   string `gorm:"column:operator;size:64;index"`
	PatientRef string `gorm:"column:patient_ref;size:128"`
	Modality   string `gorm:"column:modality;size:16"`
	ImagePath  string `gorm:"column:image_path;type:text"`
	SHA1Hash   string `gorm:"column:sha1_hash;size:40;index"`

	FatigueLevel      *int     `gorm:"column:fatigue_level"`
	HemoglobinGDL     *float64 `gorm:"column:hemoglobin_gdl"`
	ShortnessOfBreath *bool    `gorm:"column:shortness_of_breath"`
	PaleSkin          *bool    `gorm:"column:pale_skin"`
	Dizziness         *bool    `gorm:"column:dizziness"`

	RiskScore       float64 `gorm:"column:risk_score"`
	RiskLevel       string  `gorm:"column:risk_level;size:8;index"`
	Confidence      float64 `gorm:"column:confidence"`
	InferenceTimeMs int64   `gorm:"column:inference_time_ms"`
	ModelBacked     bool    `gorm:"column:model_backed"`
	Recommendation  string  `gorm:"column:recommendation;type:text"`
	FeatureVector   string  `gorm:"column:feature_vector;type:text"`

	SyncStatus string    `gorm:"column:sync_status;size:16;index;default:pending"`
	CapturedAt time.Time `gorm:"column:captured_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ScanRecord) TableName() string {
	return "scan_records"
}

// MetricsAggregation holds raw aggregates computed in the database.
type MetricsAggregation struct {
	TotalCount         int64   `gorm:"column:total_count"`
	RedCount           int64   `gorm:"column:red_count"`
	AmberCount         int64   `gorm:"column:amber_count"`
	GreenCount         int64   `gorm:"column:green_count"`
	ModelBackedCount   int64   `gorm:"column:model_backed_count"`
	AverageRiskScore   float64 `gorm:"column:average_risk_score"`
	AverageInferenceMs float64 `gorm:"column:average_inference_ms"`
}

// ScanRepository provides persistence APIs for scan records.
type ScanRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScanRepository creates a new repository instance.
func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:             db,
		logger:         logger.Named("scan_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     500 * time.Millisecond,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ScanRecord{})
}

// SaveScan persists a completed screening.
func (r *ScanRepository) SaveScan(ctx context.Context, record *ScanRecord) error {
	return r.executeWithRetry(ctx, "repository.save_scan", record.ScanID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByScanIDAndOperator retrieves a scan owned by the given operator.
// Not-found is a normal outcome here, so the lookup is not retried.
func (r *ScanRepository) FindByScanIDAndOperator(ctx context.Context, scanID, operator string) (*ScanRecord, error) {
	var record ScanRecord
	if err := r.db.WithContext(ctx).First(&record, "scan_id = ? AND operator = ?", scanID, operator).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// FindDuplicatesByHash retrieves the operator's other scans of the same
// image, excluding the scan being reported on.
func (r *ScanRepository) FindDuplicatesByHash(ctx context.Context, operator, hash, excludeScanID string) ([]*ScanRecord, error) {
	var records []*ScanRecord
	err := r.db.WithContext(ctx).
		Where("operator = ? AND sha1_hash = ? AND scan_id <> ?", operator, hash, excludeScanID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListUnsynced returns the oldest records still awaiting sync, both fresh
// and previously failed ones.
func (r *ScanRepository) ListUnsynced(ctx context.Context, limit int) ([]*ScanRecord, error) {
	var records []*ScanRecord
	err := r.executeWithRetry(ctx, "repository.list_unsynced", "", func() error {
		records = records[:0]
		return r.db.WithContext(ctx).
			Where("sync_status IN ?", []string{SyncStatusPending, SyncStatusFailed}).
			Order("created_at ASC").
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSynced transitions the given scans to synced.
func (r *ScanRepository) MarkSynced(ctx context.Context, scanIDs []string) error {
	return r.updateSyncStatus(ctx, "repository.mark_synced", scanIDs, SyncStatusSynced)
}

// MarkFailed transitions the given scans to failed, keeping them eligible
// for the next cycle.
func (r *ScanRepository) MarkFailed(ctx context.Context, scanIDs []string) error {
	return r.updateSyncStatus(ctx, "repository.mark_failed", scanIDs, SyncStatusFailed)
}

func (r *ScanRepository) updateSyncStatus(ctx context.Context, operation string, scanIDs []string, status string) error {
	if len(scanIDs) == 0 {
		return nil
	}
	return r.executeWithRetry(ctx, operation, "", func() error {
		return r.db.WithContext(ctx).
			Model(&ScanRecord{}).
			Where("scan_id IN ?", scanIDs).
			Update("sync_status", status).Error
	})
}

// CountUnsynced reports how many records still await a successful sync.
func (r *ScanRepository) CountUnsynced(ctx context.Context) (int64, error) {
	var count int64
	err := r.executeWithRetry(ctx, "repository.count_unsynced", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ScanRecord{}).
			Where("sync_status IN ?", []string{SyncStatusPending, SyncStatusFailed}).
			Count(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// AggregateMetrics computes screening totals in a single query.
func (r *ScanRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Raw(`
SELECT
  COUNT(*) AS total_count,
  COALESCE(SUM(CASE WHEN risk_level = 'RED' THEN 1 ELSE 0 END), 0) AS red_count,
  COALESCE(SUM(CASE WHEN risk_level = 'AMBER' THEN 1 ELSE 0 END), 0) AS amber_count,
  COALESCE(SUM(CASE WHEN risk_level = 'GREEN' THEN 1 ELSE 0 END), 0) AS green_count,
  COALESCE(SUM(CASE WHEN model_backed THEN 1 ELSE 0 END), 0) AS model_backed_count,
  COALESCE(AVG(risk_score), 0) AS average_risk_score,
  COALESCE(AVG(inference_time_ms), 0) AS average_inference_ms
FROM scan_records`).Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

// executeWithRetry runs fn with bounded exponential backoff, retrying only
// errors that look transient.
func (r *ScanRepository) executeWithRetry(ctx context.Context, operation, scanID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, scanID)

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, scanID, ctx.Err())
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

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, scanID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, scanID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
