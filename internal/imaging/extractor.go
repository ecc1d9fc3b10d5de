package imaging

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/example/anemia-screen/internal/pallor"
)

// DefaultInferenceSize is the square edge every crop is scaled to before
// statistics and model input, matching the deployed model's input tensor.
const DefaultInferenceSize = 224

// ColorFeatures aggregates color statistics over a scaled crop. Values are
// immutable once computed; channel means are on the 0..255 scale, saturation
// and brightness on [0,1].
type ColorFeatures struct {
	MeanRed        float64 `json:"mean_red"`
	MeanGreen      float64 `json:"mean_green"`
	MeanBlue       float64 `json:"mean_blue"`
	MeanSaturation float64 `json:"mean_saturation"`
	MeanBrightness float64 `json:"mean_brightness"`
	PallorIndex    float64 `json:"pallor_index"`
}

// Extractor crops a raster to a region of interest and scales the crop to a
// fixed square size. Statistics are computed over the scaled crop, not the
// original, so the heuristic and model paths observe the same resolution.
type Extractor struct {
	size int
}

// NewExtractor builds an extractor producing size×size crops; a
// non-positive size selects DefaultInferenceSize.
func NewExtractor(size int) Extractor {
	if size <= 0 {
		size = DefaultInferenceSize
	}
	return Extractor{size: size}
}

// Size returns the configured square edge length.
func (e Extractor) Size() int { return e.size }

// Extract crops the raster to the ROI, scales the crop to the inference
// size, and computes color statistics over the scaled pixels. The source
// raster is not retained by any returned value, so dropping the caller's
// reference releases the full-resolution frame.
func (e Extractor) Extract(r *Raster, roi ROI) (*Raster, ColorFeatures, error) {
	if err := roi.Validate(); err != nil {
		return nil, ColorFeatures{}, err
	}

	x0, y0, x1, y1 := roi.pixelBounds(r.Width(), r.Height())
	crop := r.rgba.SubImage(image.Rect(
		r.rgba.Rect.Min.X+x0,
		r.rgba.Rect.Min.Y+y0,
		r.rgba.Rect.Min.X+x1,
		r.rgba.Rect.Min.Y+y1,
	)).(*image.RGBA)

	scaled := image.NewRGBA(image.Rect(0, 0, e.size, e.size))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Rect, crop, crop.Rect, xdraw.Src, nil)

	out := &Raster{rgba: scaled}
	return out, e.features(out), nil
}

// features averages channel intensities and the HSV saturation and value
// channels. Only S and V are kept per pixel; hue is never computed.
func (e Extractor) features(r *Raster) ColorFeatures {
	var sumR, sumG, sumB, sumS, sumV float64
	w, h := r.Width(), r.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			red, green, blue := r.RGB(x, y)
			sumR += float64(red)
			sumG += float64(green)
			sumB += float64(blue)

			s, v := saturationValue(red, green, blue)
			sumS += s
			sumV += v
		}
	}

	n := float64(w * h)
	f := ColorFeatures{
		MeanRed:        sumR / n,
		MeanGreen:      sumG / n,
		MeanBlue:       sumB / n,
		MeanSaturation: sumS / n,
		MeanBrightness: sumV / n,
	}
	f.PallorIndex = pallor.Index(f.MeanRed, f.MeanGreen, f.MeanBlue, f.MeanSaturation)
	return f
}

// saturationValue converts one RGB pixel to the S and V channels of HSV.
func saturationValue(r, g, b uint8) (float64, float64) {
	maxC := r
	if g > maxC {
		maxC = g
	}
	if b > maxC {
		maxC = b
	}
	minC := r
	if g < minC {
		minC = g
	}
	if b < minC {
		minC = b
	}

	v := float64(maxC) / 255.0
	if maxC == 0 {
		return 0, 0
	}
	s := float64(maxC-minC) / float64(maxC)
	return s, v
}
