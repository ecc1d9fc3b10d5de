package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/inference"
	"github.com/example/anemia-screen/internal/logging"
	"github.com/example/anemia-screen/internal/repository"
	"github.com/example/anemia-screen/internal/syncqueue"
	"github.com/example/anemia-screen/internal/triage"
	"github.com/example/anemia-screen/internal/vitals"
)

// ErrInvalidScanRequest marks screening submissions that fail validation
// before any pixel work happens.
var ErrInvalidScanRequest = errors.New("invalid scan request")

// ScanRepository defines the persistence operations needed by the use case.
type ScanRepository interface {
	SaveScan(ctx context.Context, record *repository.ScanRecord) error
	FindByScanIDAndOperator(ctx context.Context, scanID, operator string) (*repository.ScanRecord, error)
	FindDuplicatesByHash(ctx context.Context, operator, hash, excludeScanID string) ([]*repository.ScanRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	CountUnsynced(ctx context.Context) (int64, error)
}

// RiskEngine scores crops; satisfied by the inference engine.
type RiskEngine interface {
	Analyze(ctx context.Context, crop *imaging.Raster, features imaging.ColorFeatures) inference.Assessment
	BackendAvailable() bool
}

// ScanRequest carries one capture submission through the full pipeline.
type ScanRequest struct {
	Operator    string
	PatientRef  string
	Modality    string
	ImageData   []byte
	ImageName   string
	RotationDeg int
	ROI         imaging.ROI
	Vitals      *vitals.Vitals
	CapturedAt  time.Time
}

// ScreenOutcome is a persisted screening plus the color statistics that fed
// it, for the response body.
type ScreenOutcome struct {
	Record   *repository.ScanRecord
	Features imaging.ColorFeatures
}

// FrameRequest is one live preview frame; nothing about it is persisted.
type FrameRequest struct {
	ImageData   []byte
	RotationDeg int
	ROI         imaging.ROI
}

// FrameResult is the preview assessment for one frame.
type FrameResult struct {
	RiskScore       float64               `json:"risk_score"`
	RiskLevel       string                `json:"risk_level"`
	Confidence      float64               `json:"confidence"`
	ModelBacked     bool                  `json:"model_backed"`
	InferenceTimeMs int64                 `json:"inference_time_ms"`
	Features        imaging.ColorFeatures `json:"features"`
}

// DuplicateReport lists the operator's other scans of the same image.
type DuplicateReport struct {
	Request    *repository.ScanRecord
	Duplicates []*repository.ScanRecord
}

// ScreeningUseCase orchestrates the screening pipeline: decode, extract,
// score, adjust, classify, persist, cache.
type ScreeningUseCase struct {
	repo           ScanRepository
	cache          Cache
	engine         RiskEngine
	decoder        imaging.Decoder
	extractor      imaging.Extractor
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedScan struct {
	ScanID          string    `json:"scan_id"`
	Operator        string    `json:"operator"`
	PatientRef      string    `json:"patient_ref"`
	Modality        string    `json:"modality"`
	RiskScore       float64   `json:"risk_score"`
	RiskLevel       string    `json:"risk_level"`
	Confidence      float64   `json:"confidence"`
	InferenceTimeMs int64     `json:"inference_time_ms"`
	ModelBacked     bool      `json:"model_backed"`
	Recommendation  string    `json:"recommendation"`
	FeatureVector   string    `json:"feature_vector"`
	Hash            string    `json:"sha1_hash"`
	SyncStatus      string    `json:"sync_status"`
	CapturedAt      time.Time `json:"captured_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewScreeningUseCase constructs a new use case instance.
func NewScreeningUseCase(repo ScanRepository, cache Cache, engine RiskEngine, decoder imaging.Decoder, extractor imaging.Extractor, logger *zap.Logger) *ScreeningUseCase {
	return &ScreeningUseCase{
		repo:           repo,
		cache:          cache,
		engine:         engine,
		decoder:        decoder,
		extractor:      extractor,
		logger:         logger.Named("screening_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Screen runs the full pipeline for one capture and persists the outcome.
// The record is created with sync status pending; the sync queue picks it
// up from there.
func (uc *ScreeningUseCase) Screen(ctx context.Context, req ScanRequest) (*ScreenOutcome, error) {
	scanID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.screen", scanID)

	if err := validateScanRequest(req); err != nil {
		opLogger.Warn("rejected scan request", zap.Error(err))
		return nil, err
	}

	cacheKey := fmt.Sprintf("scan:%s", scanID)
	if err := uc.withRedisRetry(ctx, scanID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	crop, features, err := uc.analyzeImage(req.ImageData, req.RotationDeg, req.ROI)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.analyze_image", scanID, err)
		opLogger.Warn("image analysis failed", zap.Error(wrapped))
		return nil, wrapped
	}

	assessment := uc.engine.Analyze(ctx, crop, features)
	adjusted := vitals.Adjust(assessment.RiskScore, req.Vitals)
	level, recommendation := triage.Classify(adjusted)

	hash := sha1.Sum(req.ImageData)
	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	record := &repository.ScanRecord{
		ScanID:          scanID,
		Operator:        req.Operator,
		PatientRef:      req.PatientRef,
		Modality:        req.Modality,
		ImagePath:       req.ImageName,
		SHA1Hash:        hex.EncodeToString(hash[:]),
		RiskScore:       adjusted,
		RiskLevel:       string(level),
		Confidence:      assessment.Confidence,
		InferenceTimeMs: assessment.Elapsed.Milliseconds(),
		ModelBacked:     assessment.ModelBacked,
		Recommendation:  recommendation,
		FeatureVector:   syncqueue.EncodeFeatureVector(features, req.Vitals),
		SyncStatus:      repository.SyncStatusPending,
		CapturedAt:      capturedAt,
		CreatedAt:       time.Now().UTC(),
	}
	if req.Vitals != nil {
		record.FatigueLevel = req.Vitals.FatigueLevel
		record.HemoglobinGDL = req.Vitals.HemoglobinGDL
		record.ShortnessOfBreath = req.Vitals.ShortnessOfBreath
		record.PaleSkin = req.Vitals.PaleSkin
		record.Dizziness = req.Vitals.Dizziness
	}

	if err := uc.repo.SaveScan(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_scan", scanID, err)
		opLogger.Error("failed to persist scan record", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(cachedScanFromRecord(record))
	if err != nil {
		opLogger.Error("failed to serialize scan record", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, scanID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Error("failed to cache scan record", zap.Error(err))
		return nil, err
	}

	opLogger.Info("screening complete",
		zap.String("risk_level", record.RiskLevel),
		zap.Float64("risk_score", record.RiskScore),
		zap.Bool("model_backed", record.ModelBacked))
	return &ScreenOutcome{Record: record, Features: features}, nil
}

// AnalyzeFrame runs the preview pipeline: decode, extract, score, classify.
// No vitals, no persistence, no caching; the frame is garbage once the
// result is built.
func (uc *ScreeningUseCase) AnalyzeFrame(ctx context.Context, req FrameRequest) (*FrameResult, error) {
	if len(req.ImageData) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidScanRequest)
	}

	crop, features, err := uc.analyzeImage(req.ImageData, req.RotationDeg, req.ROI)
	if err != nil {
		return nil, err
	}

	assessment := uc.engine.Analyze(ctx, crop, features)
	level, _ := triage.Classify(assessment.RiskScore)
	return &FrameResult{
		RiskScore:       assessment.RiskScore,
		RiskLevel:       string(level),
		Confidence:      assessment.Confidence,
		ModelBacked:     assessment.ModelBacked,
		InferenceTimeMs: assessment.Elapsed.Milliseconds(),
		Features:        features,
	}, nil
}

// analyzeImage decodes, crops, and measures one image. The full-resolution
// raster goes out of scope on return; only the scaled crop survives.
func (uc *ScreeningUseCase) analyzeImage(data []byte, rotationDeg int, roi imaging.ROI) (*imaging.Raster, imaging.ColorFeatures, error) {
	raster, err := uc.decoder.Decode(data, rotationDeg)
	if err != nil {
		return nil, imaging.ColorFeatures{}, err
	}
	return uc.extractor.Extract(raster, roi)
}

// GetResult retrieves a cached screening outcome or loads from persistence.
func (uc *ScreeningUseCase) GetResult(ctx context.Context, operator, scanID string) (*repository.ScanRecord, error) {
	cacheKey := fmt.Sprintf("scan:%s", scanID)
	if cached, err := uc.withRedisGet(ctx, scanID, "cache.get.result", cacheKey); err == nil {
		var payload cachedScan
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", scanID).Warn("failed to decode cached result", zap.Error(err))
		} else if payload.Operator == operator {
			return recordFromCachedScan(&payload), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", scanID).Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByScanIDAndOperator(ctx, scanID, operator)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ModelBackendAvailable reports whether scans are being scored by the
// model backend rather than the built-in heuristic.
func (uc *ScreeningUseCase) ModelBackendAvailable() bool {
	return uc.engine.BackendAvailable()
}

// CountPendingSync reports how many records still wait on the sync queue.
func (uc *ScreeningUseCase) CountPendingSync(ctx context.Context) (int64, error) {
	return uc.repo.CountUnsynced(ctx)
}

// GetDuplicateReport builds a duplicate detection report for a scan. Two
// captures of the same image share a SHA-1, which usually means an operator
// re-submitted a photo instead of taking a fresh one.
func (uc *ScreeningUseCase) GetDuplicateReport(ctx context.Context, operator, scanID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByScanIDAndOperator(ctx, scanID, operator)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, operator, record.SHA1Hash, record.ScanID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}

func validateScanRequest(req ScanRequest) error {
	if len(req.ImageData) == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidScanRequest)
	}
	if !repository.ValidModality(req.Modality) {
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidScanRequest, req.Modality)
	}
	if req.Vitals != nil && req.Vitals.FatigueLevel != nil {
		if level := *req.Vitals.FatigueLevel; level < 1 || level > 10 {
			return fmt.Errorf("%w: fatigue level %d outside 1..10", ErrInvalidScanRequest, level)
		}
	}
	if req.Vitals != nil && req.Vitals.HemoglobinGDL != nil {
		if hgb := *req.Vitals.HemoglobinGDL; hgb <= 0 || hgb > 25 {
			return fmt.Errorf("%w: hemoglobin %.1f g/dL implausible", ErrInvalidScanRequest, hgb)
		}
	}
	return nil
}

func cachedScanFromRecord(record *repository.ScanRecord) cachedScan {
	return cachedScan{
		ScanID:          record.ScanID,
		Operator:        record.Operator,
		PatientRef:      record.PatientRef,
		Modality:        record.Modality,
		RiskScore:       record.RiskScore,
		RiskLevel:       record.RiskLevel,
		Confidence:      record.Confidence,
		InferenceTimeMs: record.InferenceTimeMs,
		ModelBacked:     record.ModelBacked,
		Recommendation:  record.Recommendation,
		FeatureVector:   record.FeatureVector,
		Hash:            record.SHA1Hash,
		SyncStatus:      record.SyncStatus,
		CapturedAt:      record.CapturedAt,
		CreatedAt:       record.CreatedAt,
	}
}

func recordFromCachedScan(payload *cachedScan) *repository.ScanRecord {
	return &repository.ScanRecord{
		ScanID:          payload.ScanID,
		Operator:        payload.Operator,
		PatientRef:      payload.PatientRef,
		Modality:        payload.Modality,
		RiskScore:       payload.RiskScore,
		RiskLevel:       payload.RiskLevel,
		Confidence:      payload.Confidence,
		InferenceTimeMs: payload.InferenceTimeMs,
		ModelBacked:     payload.ModelBacked,
		Recommendation:  payload.Recommendation,
		FeatureVector:   payload.FeatureVector,
		SHA1Hash:        payload.Hash,
		SyncStatus:      payload.SyncStatus,
		CapturedAt:      payload.CapturedAt,
		CreatedAt:       payload.CreatedAt,
	}
}

func (uc *ScreeningUseCase) withRedisRetry(ctx context.Context, scanID, operation string, fn func() error) error {
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, scanID)

	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, scanID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, scanID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, scanID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, scanID, err)
}

func (uc *ScreeningUseCase) withRedisGet(ctx context.Context, scanID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, scanID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
