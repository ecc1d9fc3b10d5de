package inference

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/pallor"
)

// Heuristic fallback constants. The boosts mirror the visual cues a trained
// screener looks for: washed-out desaturated tissue and a weak red share.
const (
	heuristicConfidence = 0.65

	lowSaturation      = 0.20
	lowSaturationBoost = 0.15

	lowRedRatio      = 0.35
	lowRedRatioBoost = 0.10

	washedOutBrightness = 0.70
	washedOutSaturation = 0.25
	washedOutBoost      = 0.10
)

// tensorScale normalizes a 0..255 channel into [-1,1] for the model input.
const tensorScale = 127.5

// Assessment is the outcome of scoring one crop, before any vitals
// adjustment.
type Assessment struct {
	RiskScore   float64
	Confidence  float64
	ModelBacked bool
	Elapsed     time.Duration
}

// Engine scores crops through the attached backend, degrading to the
// heuristic per call on backend errors. A nil backend means the service
// runs heuristic-only.
type Engine struct {
	backend Backend
	logger  *zap.Logger
}

// NewEngine builds an engine; backend may be nil.
func NewEngine(backend Backend, logger *zap.Logger) *Engine {
	return &Engine{backend: backend, logger: logger}
}

// BackendAvailable reports whether a model backend was attached.
func (e *Engine) BackendAvailable() bool {
	return e.backend != nil
}

// Analyze scores one scaled crop. Backend errors are logged and absorbed;
// the returned assessment always carries in-range scores and the wall-clock
// duration of whichever path ran.
func (e *Engine) Analyze(ctx context.Context, crop *imaging.Raster, features imaging.ColorFeatures) Assessment {
	start := time.Now()

	if e.backend != nil {
		scores, err := e.backend.Infer(ctx, Tensor(crop))
		if err == nil {
			return Assessment{
				RiskScore:   pallor.Clamp01(scores.Risk),
				Confidence:  pallor.Clamp01(scores.Confidence),
				ModelBacked: true,
				Elapsed:     time.Since(start),
			}
		}
		e.logger.Warn("model inference failed, falling back to heuristic",
			zap.String("backend", e.backend.Describe()),
			zap.Error(err))
	}

	scores := Heuristic(features)
	return Assessment{
		RiskScore:  scores.Risk,
		Confidence: scores.Confidence,
		Elapsed:    time.Since(start),
	}
}

// Heuristic derives risk from color statistics alone. It starts from the
// pallor index and boosts for the cues that separate pale tissue from a
// merely dark or underexposed frame.
func Heuristic(f imaging.ColorFeatures) Scores {
	risk := f.PallorIndex
	if f.MeanSaturation < lowSaturation {
		risk += lowSaturationBoost
	}
	if pallor.RedRatio(f.MeanRed, f.MeanGreen, f.MeanBlue) < lowRedRatio {
		risk += lowRedRatioBoost
	}
	if f.MeanBrightness > washedOutBrightness && f.MeanSaturation < washedOutSaturation {
		risk += washedOutBoost
	}
	return Scores{Risk: pallor.Clamp01(risk), Confidence: heuristicConfidence}
}

// Tensor flattens a crop into the backend input layout: row-major
// Height×Width×RGB float32 with channels normalized to [-1,1].
func Tensor(r *imaging.Raster) []float32 {
	w, h := r.Width(), r.Height()
	tensor := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			red, green, blue := r.RGB(x, y)
			tensor = append(tensor,
				(float32(red)-tensorScale)/tensorScale,
				(float32(green)-tensorScale)/tensorScale,
				(float32(blue)-tensorScale)/tensorScale)
		}
	}
	return tensor
}
