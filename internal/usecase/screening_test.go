package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/inference"
	"github.com/example/anemia-screen/internal/logging"
	"github.com/example/anemia-screen/internal/repository"
	"github.com/example/anemia-screen/internal/vitals"
)

type stubScanRepo struct {
	saved      []*repository.ScanRecord
	saveErr    error
	findRecord *repository.ScanRecord
	findErr    error
	findCalls  int

	duplicates    []*repository.ScanRecord
	duplicatesErr error
	gotHash       string
	gotExclude    string

	aggregation *repository.MetricsAggregation
	aggErr      error
	unsynced    int64
	unsyncedErr error
}

func (s *stubScanRepo) SaveScan(ctx context.Context, record *repository.ScanRecord) error {
	s.saved = append(s.saved, record)
	return s.saveErr
}

func (s *stubScanRepo) FindByScanIDAndOperator(ctx context.Context, scanID, operator string) (*repository.ScanRecord, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findRecord != nil {
		return s.findRecord, nil
	}
	return nil, errors.New("not found")
}

func (s *stubScanRepo) FindDuplicatesByHash(ctx context.Context, operator, hash, excludeScanID string) ([]*repository.ScanRecord, error) {
	s.gotHash = hash
	s.gotExclude = excludeScanID
	if s.duplicatesErr != nil {
		return nil, s.duplicatesErr
	}
	return s.duplicates, nil
}

func (s *stubScanRepo) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	return s.aggregation, nil
}

func (s *stubScanRepo) CountUnsynced(ctx context.Context) (int64, error) {
	return s.unsynced, s.unsyncedErr
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubEngine struct {
	assessment inference.Assessment
	backend    bool
	gotCrop    int
}

func (s *stubEngine) Analyze(ctx context.Context, crop *imaging.Raster, features imaging.ColorFeatures) inference.Assessment {
	s.gotCrop = crop.Width()
	return s.assessment
}

func (s *stubEngine) BackendAvailable() bool { return s.backend }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestUseCase(repo *stubScanRepo, cache *stubCache, engine *stubEngine) *ScreeningUseCase {
	return NewScreeningUseCase(repo, cache, engine, imaging.Decoder{}, imaging.NewExtractor(4), zap.NewNop())
}

func validScanRequest(t *testing.T) ScanRequest {
	t.Helper()
	return ScanRequest{
		Operator:   "op-1",
		PatientRef: "patient-7",
		Modality:   repository.ModalityConjunctiva,
		ImageData:  pngBytes(t, 8, 8, color.RGBA{R: 255, A: 255}),
		ImageName:  "eyelid.png",
		ROI:        imaging.ROIFullFrame,
		CapturedAt: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
}

func TestScreenPersistsRecord(t *testing.T) {
	repo := &stubScanRepo{}
	cache := &stubCache{}
	engine := &stubEngine{assessment: inference.Assessment{
		RiskScore:   0.5,
		Confidence:  0.8,
		ModelBacked: true,
		Elapsed:     42 * time.Millisecond,
	}}
	uc := newTestUseCase(repo, cache, engine)
	req := validScanRequest(t)

	outcome, err := uc.Screen(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected 1 saved record, got %d", len(repo.saved))
	}
	record := repo.saved[0]
	if record != outcome.Record {
		t.Fatal("expected outcome to reference the persisted record")
	}
	if record.ScanID == "" {
		t.Fatal("expected a generated scan ID")
	}
	if record.Operator != "op-1" || record.PatientRef != "patient-7" {
		t.Fatalf("unexpected attribution: %s / %s", record.Operator, record.PatientRef)
	}
	if record.RiskScore != 0.5 || record.RiskLevel != "AMBER" {
		t.Fatalf("unexpected risk: %f %s", record.RiskScore, record.RiskLevel)
	}
	if record.Confidence != 0.8 || !record.ModelBacked || record.InferenceTimeMs != 42 {
		t.Fatalf("unexpected inference fields: %+v", record)
	}
	if !strings.Contains(record.Recommendation, "blood test") {
		t.Fatalf("unexpected recommendation: %s", record.Recommendation)
	}
	sum := sha1.Sum(req.ImageData)
	if record.SHA1Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected hash: %s", record.SHA1Hash)
	}
	if record.SyncStatus != repository.SyncStatusPending {
		t.Fatalf("expected pending sync status, got %s", record.SyncStatus)
	}
	if record.ImagePath != "eyelid.png" {
		t.Fatalf("unexpected image path: %s", record.ImagePath)
	}
	if !record.CapturedAt.Equal(req.CapturedAt) {
		t.Fatalf("unexpected captured_at: %v", record.CapturedAt)
	}
	if record.FeatureVector != "v1:255.0000,0.0000,0.0000,1.0000,1.0000,0.0000:0000" {
		t.Fatalf("unexpected feature vector: %s", record.FeatureVector)
	}
	wantKey := "scan:" + record.ScanID
	if len(cache.setKeys) != 2 || cache.setKeys[0] != wantKey || cache.setKeys[1] != wantKey {
		t.Fatalf("unexpected cache writes: %v", cache.setKeys)
	}
	if engine.gotCrop != 4 {
		t.Fatalf("expected 4px crop handed to engine, got %d", engine.gotCrop)
	}
	if outcome.Features.MeanRed != 255 {
		t.Fatalf("unexpected mean red: %f", outcome.Features.MeanRed)
	}
}

func TestScreenAppliesVitalsAdjustment(t *testing.T) {
	repo := &stubScanRepo{}
	engine := &stubEngine{assessment: inference.Assessment{RiskScore: 0.45, Confidence: 0.7}}
	uc := newTestUseCase(repo, &stubCache{}, engine)

	hgb := 6.5
	req := validScanRequest(t)
	req.Vitals = &vitals.Vitals{HemoglobinGDL: &hgb}

	outcome, err := uc.Screen(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	record := outcome.Record
	if diff := record.RiskScore - 0.75; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected severe anemia boost to land at 0.75, got %f", record.RiskScore)
	}
	if record.RiskLevel != "RED" {
		t.Fatalf("expected RED, got %s", record.RiskLevel)
	}
	if record.HemoglobinGDL == nil || *record.HemoglobinGDL != 6.5 {
		t.Fatalf("expected hemoglobin persisted, got %v", record.HemoglobinGDL)
	}
	if !strings.HasSuffix(record.FeatureVector, ":0000") {
		t.Fatalf("hemoglobin must not leak into the feature vector flags: %s", record.FeatureVector)
	}
}

func TestScreenHealthyTissueClassifiesGreen(t *testing.T) {
	repo := &stubScanRepo{}
	engine := inference.NewEngine(nil, zap.NewNop())
	uc := NewScreeningUseCase(repo, &stubCache{}, engine, imaging.Decoder{}, imaging.NewExtractor(4), zap.NewNop())

	req := validScanRequest(t)
	req.ImageData = pngBytes(t, 8, 8, color.RGBA{R: 200, G: 40, B: 40, A: 255})

	outcome, err := uc.Screen(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	record := outcome.Record
	if record.RiskScore > 0.001 {
		t.Fatalf("saturated red tissue should score near zero, got %f", record.RiskScore)
	}
	if record.RiskLevel != "GREEN" {
		t.Fatalf("expected GREEN, got %s", record.RiskLevel)
	}
	if record.Confidence != 0.65 {
		t.Fatalf("expected heuristic confidence 0.65, got %f", record.Confidence)
	}
	if record.ModelBacked {
		t.Fatal("expected heuristic path without a backend")
	}
	if outcome.Features.PallorIndex > 0.001 {
		t.Fatalf("expected near-zero pallor, got %f", outcome.Features.PallorIndex)
	}
}

func TestScreenRejectsInvalidRequests(t *testing.T) {
	fatigueLow, fatigueHigh := 0, 11
	hgbZero, hgbHigh := 0.0, 26.0

	cases := []struct {
		name   string
		mutate func(*ScanRequest)
	}{
		{"empty image", func(r *ScanRequest) { r.ImageData = nil }},
		{"unknown modality", func(r *ScanRequest) { r.Modality = "retina" }},
		{"fatigue below range", func(r *ScanRequest) { r.Vitals = &vitals.Vitals{FatigueLevel: &fatigueLow} }},
		{"fatigue above range", func(r *ScanRequest) { r.Vitals = &vitals.Vitals{FatigueLevel: &fatigueHigh} }},
		{"hemoglobin zero", func(r *ScanRequest) { r.Vitals = &vitals.Vitals{HemoglobinGDL: &hgbZero} }},
		{"hemoglobin implausible", func(r *ScanRequest) { r.Vitals = &vitals.Vitals{HemoglobinGDL: &hgbHigh} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubScanRepo{}
			cache := &stubCache{}
			uc := newTestUseCase(repo, cache, &stubEngine{})
			req := validScanRequest(t)
			tc.mutate(&req)

			if _, err := uc.Screen(context.Background(), req); !errors.Is(err, ErrInvalidScanRequest) {
				t.Fatalf("expected ErrInvalidScanRequest, got %v", err)
			}
			if len(repo.saved) != 0 {
				t.Fatalf("expected nothing persisted, got %d records", len(repo.saved))
			}
			if len(cache.setKeys) != 0 {
				t.Fatalf("expected no cache writes, got %v", cache.setKeys)
			}
		})
	}
}

func TestScreenRejectsUndecodableImage(t *testing.T) {
	repo := &stubScanRepo{}
	uc := newTestUseCase(repo, &stubCache{}, &stubEngine{})
	req := validScanRequest(t)
	req.ImageData = []byte("not an image")

	_, err := uc.Screen(context.Background(), req)
	if !errors.Is(err, imaging.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("expected nothing persisted, got %d records", len(repo.saved))
	}
}

func TestScreenRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubScanRepo{}
	engine := &stubEngine{assessment: inference.Assessment{RiskScore: 0.2, Confidence: 0.65}}
	uc := newTestUseCase(repo, cache, engine)

	_, err := uc.Screen(context.Background(), validScanRequest(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected record to be saved, got %d entries", len(repo.saved))
	}
}

func TestScreenReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubScanRepo{}, cache, &stubEngine{})

	_, err := uc.Screen(context.Background(), validScanRequest(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestScreenSurfacesPersistenceFailure(t *testing.T) {
	repo := &stubScanRepo{saveErr: errors.New("db down")}
	cache := &stubCache{}
	uc := newTestUseCase(repo, cache, &stubEngine{})

	_, err := uc.Screen(context.Background(), validScanRequest(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.save_scan" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected result cache write to be skipped, got %v", cache.setKeys)
	}
}

func TestGetResultUsesCache(t *testing.T) {
	payload, err := json.Marshal(cachedScan{
		ScanID:    "scan-9",
		Operator:  "op-1",
		RiskScore: 0.82,
		RiskLevel: "RED",
	})
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubScanRepo{}
	uc := newTestUseCase(repo, cache, &stubEngine{})

	record, err := uc.GetResult(context.Background(), "op-1", "scan-9")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record.ScanID != "scan-9" || record.RiskLevel != "RED" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
	if len(cache.getKeys) == 0 || cache.getKeys[0] != "scan:scan-9" {
		t.Fatalf("unexpected cache reads: %v", cache.getKeys)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.ScanRecord{ScanID: "scan-3", Operator: "op-1", RiskLevel: "GREEN"}
	repo := &stubScanRepo{findRecord: expected}
	uc := newTestUseCase(repo, cache, &stubEngine{})

	record, err := uc.GetResult(context.Background(), "op-1", "scan-3")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record != expected {
		t.Fatalf("expected %+v, got %+v", expected, record)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultDegradesToRepositoryOnCacheOutage(t *testing.T) {
	cache := &stubCache{getErrs: []error{errors.New("connection refused")}}
	expected := &repository.ScanRecord{ScanID: "scan-4", Operator: "op-1"}
	repo := &stubScanRepo{findRecord: expected}
	uc := newTestUseCase(repo, cache, &stubEngine{})

	record, err := uc.GetResult(context.Background(), "op-1", "scan-4")
	if err != nil {
		t.Fatalf("expected cache outage to degrade to repository, got error: %v", err)
	}
	if record != expected {
		t.Fatalf("expected %+v, got %+v", expected, record)
	}
}

func TestGetResultIgnoresCachedRecordOfOtherOperator(t *testing.T) {
	payload, err := json.Marshal(cachedScan{ScanID: "scan-5", Operator: "op-2"})
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	cache := &stubCache{getValues: []string{string(payload)}}
	expected := &repository.ScanRecord{ScanID: "scan-5", Operator: "op-1"}
	repo := &stubScanRepo{findRecord: expected}
	uc := newTestUseCase(repo, cache, &stubEngine{})

	record, err := uc.GetResult(context.Background(), "op-1", "scan-5")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if record != expected {
		t.Fatal("expected the repository record, not the cached one")
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository lookup, got %d calls", repo.findCalls)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	record := &repository.ScanRecord{ScanID: "scan-1", Operator: "op-1", SHA1Hash: "abc123"}
	repo := &stubScanRepo{
		findRecord: record,
		duplicates: []*repository.ScanRecord{
			{ScanID: "scan-2", SHA1Hash: "abc123"},
			{ScanID: "scan-3", SHA1Hash: "abc123"},
		},
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubEngine{})

	report, err := uc.GetDuplicateReport(context.Background(), "op-1", "scan-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if report.Request != record {
		t.Fatal("expected report to reference the requested record")
	}
	if len(report.Duplicates) != 2 {
		t.Fatalf("expected 2 duplicates, got %d", len(report.Duplicates))
	}
	if repo.gotHash != "abc123" || repo.gotExclude != "scan-1" {
		t.Fatalf("unexpected duplicate query: hash=%s exclude=%s", repo.gotHash, repo.gotExclude)
	}
}

func TestAnalyzeFrameSkipsPersistence(t *testing.T) {
	repo := &stubScanRepo{}
	cache := &stubCache{}
	engine := &stubEngine{assessment: inference.Assessment{RiskScore: 0.8, Confidence: 0.9, ModelBacked: true}}
	uc := newTestUseCase(repo, cache, engine)

	result, err := uc.AnalyzeFrame(context.Background(), FrameRequest{
		ImageData: pngBytes(t, 8, 8, color.RGBA{R: 255, A: 255}),
		ROI:       imaging.ROIFullFrame,
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.RiskScore != 0.8 || result.RiskLevel != "RED" || !result.ModelBacked {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Features.MeanRed != 255 {
		t.Fatalf("unexpected mean red: %f", result.Features.MeanRed)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("preview frames must not be persisted, got %d records", len(repo.saved))
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("preview frames must not be cached, got %v", cache.setKeys)
	}
}

func TestAnalyzeFrameRejectsEmptyFrame(t *testing.T) {
	uc := newTestUseCase(&stubScanRepo{}, &stubCache{}, &stubEngine{})

	if _, err := uc.AnalyzeFrame(context.Background(), FrameRequest{}); !errors.Is(err, ErrInvalidScanRequest) {
		t.Fatalf("expected ErrInvalidScanRequest, got %v", err)
	}
}
