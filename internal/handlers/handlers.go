package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/auth"
	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/repository"
	"github.com/example/anemia-screen/internal/syncqueue"
	"github.com/example/anemia-screen/internal/usecase"
	"github.com/example/anemia-screen/internal/vitals"
)

// MaxUploadSize caps a scan upload. Phone captures land well under this;
// anything larger is a misconfigured client.
const MaxUploadSize = 10 << 20

// SyncRunner triggers one sync cycle on demand.
type SyncRunner interface {
	RunCycle(ctx context.Context) (*syncqueue.Report, error)
}

// SyncInfo describes the sync deployment for the status endpoint.
type SyncInfo struct {
	Enabled  bool
	DeviceID string
	Interval time.Duration
}

// Handler carries the wired collaborators behind the HTTP surface.
type Handler struct {
	uc       *usecase.ScreeningUseCase
	worker   *usecase.AnalysisWorker
	sync     SyncRunner
	syncInfo SyncInfo
	logger   *zap.Logger
}

// NewHandler constructs the HTTP handler set. sync may be nil when the
// research upload is disabled.
func NewHandler(uc *usecase.ScreeningUseCase, worker *usecase.AnalysisWorker, sync SyncRunner, syncInfo SyncInfo, logger *zap.Logger) *Handler {
	return &Handler{
		uc:       uc,
		worker:   worker,
		sync:     sync,
		syncInfo: syncInfo,
		logger:   logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything but
// /health sits behind the auth middleware.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", h.health)

	authed := router.Group("")
	authed.Use(authMiddleware)
	authed.POST("/scan", h.screen)
	authed.GET("/scan/:id", h.result)
	authed.GET("/scan/:id/duplicates", h.duplicates)
	authed.GET("/metrics", h.metrics)
	authed.GET("/sync/status", h.syncStatus)
	authed.POST("/sync/run", h.runSync)
	authed.GET("/live", h.live)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"model_backend": h.uc.ModelBackendAvailable(),
	})
}

func (h *Handler) screen(c *gin.Context) {
	operator, ok := auth.GetOperator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "operator identity missing"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	if contentType := file.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("unsupported content type %q", contentType)})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	modality := c.PostForm("modality")
	rotation, err := formInt(c, "rotation")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roi, err := scanROI(c, modality)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reported, err := vitalsFromForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	capturedAt, err := formTime(c, "captured_at")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.uc.Screen(c.Request.Context(), usecase.ScanRequest{
		Operator:    operator,
		PatientRef:  c.PostForm("patient_ref"),
		Modality:    modality,
		ImageData:   data,
		ImageName:   file.Filename,
		RotationDeg: rotation,
		ROI:         roi,
		Vitals:      reported,
		CapturedAt:  capturedAt,
	})
	if err != nil {
		h.renderScreenError(c, err)
		return
	}

	record := outcome.Record
	c.JSON(http.StatusOK, gin.H{
		"scan_id":           record.ScanID,
		"risk_score":        record.RiskScore,
		"risk_level":        record.RiskLevel,
		"confidence":        record.Confidence,
		"model_backed":      record.ModelBacked,
		"inference_time_ms": record.InferenceTimeMs,
		"recommendation":    record.Recommendation,
		"sync_status":       record.SyncStatus,
		"features":          outcome.Features,
	})
}

func (h *Handler) renderScreenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidScanRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, imaging.ErrInvalidROI):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, imaging.ErrDecode), errors.Is(err, imaging.ErrRotation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "screening failed"})
	}
}

func (h *Handler) result(c *gin.Context) {
	operator, ok := auth.GetOperator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "operator identity missing"})
		return
	}

	record, err := h.uc.GetResult(c.Request.Context(), operator, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scan_id":           record.ScanID,
		"patient_ref":       record.PatientRef,
		"modality":          record.Modality,
		"risk_score":        record.RiskScore,
		"risk_level":        record.RiskLevel,
		"confidence":        record.Confidence,
		"model_backed":      record.ModelBacked,
		"inference_time_ms": record.InferenceTimeMs,
		"recommendation":    record.Recommendation,
		"sync_status":       record.SyncStatus,
		"captured_at":       record.CapturedAt,
		"created_at":        record.CreatedAt,
	})
}

func (h *Handler) duplicates(c *gin.Context) {
	operator, ok := auth.GetOperator(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "operator identity missing"})
		return
	}

	report, err := h.uc.GetDuplicateReport(c.Request.Context(), operator, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}

	entries := make([]gin.H, 0, len(report.Duplicates))
	for _, dup := range report.Duplicates {
		entries = append(entries, gin.H{
			"scan_id":     dup.ScanID,
			"risk_level":  dup.RiskLevel,
			"captured_at": dup.CapturedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"scan_id":         report.Request.ScanID,
		"duplicate_count": len(entries),
		"duplicates":      entries,
	})
}

func (h *Handler) metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) syncStatus(c *gin.Context) {
	pending, err := h.uc.CountPendingSync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count pending records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":       h.syncInfo.Enabled,
		"device_id":     h.syncInfo.DeviceID,
		"interval":      h.syncInfo.Interval.String(),
		"pending_count": pending,
	})
}

func (h *Handler) runSync(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync is disabled"})
		return
	}

	report, err := h.sync.RunCycle(c.Request.Context())
	if errors.Is(err, syncqueue.ErrCycleInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync cycle already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync cycle failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// liveUpgrader accepts any origin: capture clients are native apps on the
// same device, not browsers.
var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// live streams preview frames through the analysis worker. The client
// sends binary image frames; the server replies with one JSON result per
// accepted frame. Dropped frames produce no reply, so the client keeps
// showing its previous state.
func (h *Handler) live(c *gin.Context) {
	rotation, err := queryInt(c, "rotation")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	roi, err := liveROI(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := liveUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxUploadSize)

	ctx := c.Request.Context()
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		result, err := h.worker.Submit(ctx, usecase.FrameRequest{
			ImageData:   frame,
			RotationDeg: rotation,
			ROI:         roi,
		})
		switch {
		case errors.Is(err, usecase.ErrAnalysisBusy), errors.Is(err, usecase.ErrFrameThrottled):
			continue
		case err != nil:
			h.logger.Warn("live frame analysis failed", zap.Error(err))
			continue
		}

		if err := conn.WriteJSON(result); err != nil {
			return
		}
	}
}

func scanROI(c *gin.Context, modality string) (imaging.ROI, error) {
	if name := c.PostForm("roi"); name != "" {
		roi, ok := imaging.ROIPreset(name)
		if !ok {
			return imaging.ROI{}, fmt.Errorf("unknown roi preset %q", name)
		}
		return roi, nil
	}

	fractions := []string{"roi_left", "roi_top", "roi_right", "roi_bottom"}
	provided := 0
	values := make([]float64, len(fractions))
	for i, field := range fractions {
		raw := c.PostForm(field)
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return imaging.ROI{}, fmt.Errorf("invalid %s %q", field, raw)
		}
		values[i] = parsed
		provided++
	}
	if provided == 0 {
		return defaultROI(modality), nil
	}
	if provided != len(fractions) {
		return imaging.ROI{}, errors.New("roi fractions require all of roi_left, roi_top, roi_right, roi_bottom")
	}
	return imaging.ROI{Left: values[0], Top: values[1], Right: values[2], Bottom: values[3]}, nil
}

func liveROI(c *gin.Context) (imaging.ROI, error) {
	if name := c.Query("roi"); name != "" {
		roi, ok := imaging.ROIPreset(name)
		if !ok {
			return imaging.ROI{}, fmt.Errorf("unknown roi preset %q", name)
		}
		return roi, nil
	}
	return defaultROI(c.Query("modality")), nil
}

// defaultROI picks the preset matching how each modality is framed by the
// capture guide overlay.
func defaultROI(modality string) imaging.ROI {
	if modality == repository.ModalityNailBed {
		return imaging.ROINailBed
	}
	return imaging.ROILowerEyelid
}

func vitalsFromForm(c *gin.Context) (*vitals.Vitals, error) {
	v := &vitals.Vitals{}
	present := false

	if raw := c.PostForm("fatigue_level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid fatigue_level %q", raw)
		}
		v.FatigueLevel = &parsed
		present = true
	}
	if raw := c.PostForm("hemoglobin_gdl"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid hemoglobin_gdl %q", raw)
		}
		v.HemoglobinGDL = &parsed
		present = true
	}

	flags := []struct {
		field string
		dst   **bool
	}{
		{"shortness_of_breath", &v.ShortnessOfBreath},
		{"pale_skin", &v.PaleSkin},
		{"dizziness", &v.Dizziness},
	}
	for _, flag := range flags {
		raw := c.PostForm(flag.field)
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", flag.field, raw)
		}
		*flag.dst = &parsed
		present = true
	}

	if !present {
		return nil, nil
	}
	return v, nil
}

func formInt(c *gin.Context, field string) (int, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	return parsed, nil
}

func queryInt(c *gin.Context, field string) (int, error) {
	raw := c.Query(field)
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, raw)
	}
	return parsed, nil
}

func formTime(c *gin.Context, field string) (time.Time, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q", field, raw)
	}
	return parsed, nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
