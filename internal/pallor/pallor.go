// Package pallor derives a single paleness index from aggregate color
// statistics. Healthy conjunctival tissue shows a red channel near half of
// the total intensity and moderate-to-high saturation; anemic tissue is
// red-deficient and desaturated. The reference points and weights below are
// fixed design constants, not learned parameters, and downstream scoring
// depends on them staying put.
package pallor

const (
	// epsilon keeps the ratio defined for an all-black crop.
	epsilon = 0.001

	// healthyRedRatio is the red share of total intensity expected from
	// well-perfused tissue.
	healthyRedRatio = 0.50

	// healthySaturation is the minimum saturation expected from
	// well-perfused tissue.
	healthySaturation = 0.30

	redWeight        = 0.6
	saturationWeight = 0.4
)

// RedRatio is the red share of total channel intensity, defined even for an
// all-black crop.
func RedRatio(meanR, meanG, meanB float64) float64 {
	return meanR / (meanR + meanG + meanB + epsilon)
}

// Index maps mean channel intensities and mean saturation to [0,1], where 0
// is fully perfused tissue and 1 is maximal pallor.
func Index(meanR, meanG, meanB, meanSaturation float64) float64 {
	redRatio := RedRatio(meanR, meanG, meanB)

	redDeficit := 0.0
	if redRatio < healthyRedRatio {
		redDeficit = (healthyRedRatio - redRatio) / healthyRedRatio
	}

	saturationDeficit := 0.0
	if meanSaturation < healthySaturation {
		saturationDeficit = (healthySaturation - meanSaturation) / healthySaturation
	}

	return Clamp01(redWeight*redDeficit + saturationWeight*saturationDeficit)
}

// Clamp01 pins a value into [0,1]. NaN collapses to 0 so that no arithmetic
// path can leak an undefined score downstream.
func Clamp01(v float64) float64 {
	if v != v {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
