package imaging

import (
	"errors"
	"image/color"
	"math"
	"testing"
)

func rasterFrom(t *testing.T, width, height int, at func(x, y int) color.RGBA) *Raster {
	t.Helper()
	data := pngBytes(t, width, height, at)
	raster, err := Decoder{}.Decode(data, 0)
	if err != nil {
		t.Fatalf("decode test raster: %v", err)
	}
	return raster
}

func TestNewExtractorDefaultsSize(t *testing.T) {
	if got := NewExtractor(0).Size(); got != DefaultInferenceSize {
		t.Fatalf("NewExtractor(0).Size() = %d, want %d", got, DefaultInferenceSize)
	}
	if got := NewExtractor(-5).Size(); got != DefaultInferenceSize {
		t.Fatalf("NewExtractor(-5).Size() = %d, want %d", got, DefaultInferenceSize)
	}
	if got := NewExtractor(32).Size(); got != 32 {
		t.Fatalf("NewExtractor(32).Size() = %d, want 32", got)
	}
}

func TestExtractScalesToConfiguredSize(t *testing.T) {
	raster := rasterFrom(t, 64, 48, solid(color.RGBA{R: 200, G: 100, B: 50, A: 255}))

	for _, size := range []int{32, DefaultInferenceSize} {
		crop, _, err := NewExtractor(size).Extract(raster, ROIFullFrame)
		if err != nil {
			t.Fatalf("Extract(size=%d) returned %v", size, err)
		}
		if crop.Width() != size || crop.Height() != size {
			t.Fatalf("Extract(size=%d) crop = %dx%d, want %dx%d", size, crop.Width(), crop.Height(), size, size)
		}
	}
}

func TestExtractUniformColorFeatures(t *testing.T) {
	tests := []struct {
		name       string
		c          color.RGBA
		meanR      float64
		meanG      float64
		meanB      float64
		saturation float64
		brightness float64
		pallor     float64
	}{
		{
			name: "saturated red", c: color.RGBA{R: 255, A: 255},
			meanR: 255, meanG: 0, meanB: 0, saturation: 1, brightness: 1, pallor: 0,
		},
		{
			name: "neutral gray", c: color.RGBA{R: 128, G: 128, B: 128, A: 255},
			meanR: 128, meanG: 128, meanB: 128, saturation: 0, brightness: 128.0 / 255.0, pallor: 0.6,
		},
		{
			name: "dark red tissue", c: color.RGBA{R: 80, G: 40, B: 40, A: 255},
			meanR: 80, meanG: 40, meanB: 40, saturation: 0.5, brightness: 80.0 / 255.0, pallor: 0,
		},
		{
			name: "black", c: color.RGBA{A: 255},
			meanR: 0, meanG: 0, meanB: 0, saturation: 0, brightness: 0, pallor: 1,
		},
	}

	extractor := NewExtractor(32)
	for _, tc := range tests {
		raster := rasterFrom(t, 40, 40, solid(tc.c))
		_, features, err := extractor.Extract(raster, ROIFullFrame)
		if err != nil {
			t.Fatalf("%s: Extract returned %v", tc.name, err)
		}
		checks := []struct {
			field     string
			got, want float64
			tolerance float64
		}{
			{"MeanRed", features.MeanRed, tc.meanR, 1},
			{"MeanGreen", features.MeanGreen, tc.meanG, 1},
			{"MeanBlue", features.MeanBlue, tc.meanB, 1},
			{"MeanSaturation", features.MeanSaturation, tc.saturation, 0.01},
			{"MeanBrightness", features.MeanBrightness, tc.brightness, 0.01},
			{"PallorIndex", features.PallorIndex, tc.pallor, 0.01},
		}
		for _, ch := range checks {
			if math.Abs(ch.got-ch.want) > ch.tolerance {
				t.Fatalf("%s: %s = %v, want %v", tc.name, ch.field, ch.got, ch.want)
			}
		}
	}
}

func TestExtractCropsToROI(t *testing.T) {
	// Left half red, right half blue; an ROI over the left half must not
	// let any blue leak into the statistics.
	raster := rasterFrom(t, 64, 48, func(x, y int) color.RGBA {
		if x < 32 {
			return color.RGBA{R: 255, A: 255}
		}
		return color.RGBA{B: 255, A: 255}
	})

	_, features, err := NewExtractor(32).Extract(raster, ROI{Left: 0, Top: 0, Right: 0.5, Bottom: 1})
	if err != nil {
		t.Fatalf("Extract returned %v", err)
	}
	if math.Abs(features.MeanRed-255) > 1 {
		t.Fatalf("MeanRed = %v, want 255", features.MeanRed)
	}
	if features.MeanBlue > 1 {
		t.Fatalf("MeanBlue = %v, want 0", features.MeanBlue)
	}
}

func TestExtractRejectsDegenerateROI(t *testing.T) {
	raster := rasterFrom(t, 16, 16, solid(color.RGBA{R: 9, G: 9, B: 9, A: 255}))

	crop, _, err := NewExtractor(32).Extract(raster, ROI{Left: 0.5, Top: 0.2, Right: 0.5, Bottom: 0.8})
	if !errors.Is(err, ErrInvalidROI) {
		t.Fatalf("Extract = %v, want ErrInvalidROI", err)
	}
	if crop != nil {
		t.Fatalf("Extract returned crop %v on error, want nil", crop)
	}
}

func TestSaturationValue(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b uint8
		s, v    float64
	}{
		{name: "black", r: 0, g: 0, b: 0, s: 0, v: 0},
		{name: "white", r: 255, g: 255, b: 255, s: 0, v: 1},
		{name: "pure red", r: 255, g: 0, b: 0, s: 1, v: 1},
		{name: "muted red", r: 128, g: 64, b: 64, s: 0.5, v: 128.0 / 255.0},
		{name: "pale pink", r: 230, g: 200, b: 200, s: 30.0 / 230.0, v: 230.0 / 255.0},
	}

	for _, tc := range tests {
		s, v := saturationValue(tc.r, tc.g, tc.b)
		if math.Abs(s-tc.s) > 1e-9 || math.Abs(v-tc.v) > 1e-9 {
			t.Fatalf("%s: saturationValue(%d, %d, %d) = (%v, %v), want (%v, %v)",
				tc.name, tc.r, tc.g, tc.b, s, v, tc.s, tc.v)
		}
	}
}
