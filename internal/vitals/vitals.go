// Package vitals folds self-reported symptoms and point-of-care lab values
// into an image-derived risk score. Every field is optional; an unassessed
// field contributes nothing, so a bare-image screening passes through
// unchanged. The increments are provisional clinical heuristics and are
// kept frozen so scores stay comparable across app versions.
package vitals

import "github.com/example/anemia-screen/internal/pallor"

const (
	// Hemoglobin bands in g/dL, per WHO anemia severity cutoffs.
	severeHemoglobin   = 7.0
	moderateHemoglobin = 10.0
	mildHemoglobin     = 12.0

	severeHemoglobinBoost   = 0.30
	moderateHemoglobinBoost = 0.15
	mildHemoglobinBoost     = 0.05

	// Fatigue is self-reported on a 1..10 scale.
	highFatigue = 7
	someFatigue = 5

	highFatigueBoost = 0.10
	someFatigueBoost = 0.05

	shortnessOfBreathBoost = 0.08
	dizzinessBoost         = 0.05
	paleSkinBoost          = 0.05
)

// Vitals carries the optional intake answers for one screening. A nil
// pointer means the question was not assessed, which is distinct from a
// negative answer.
type Vitals struct {
	FatigueLevel      *int
	HemoglobinGDL     *float64
	ShortnessOfBreath *bool
	PaleSkin          *bool
	Dizziness         *bool
}

// Assessed reports whether any field was answered.
func (v *Vitals) Assessed() bool {
	if v == nil {
		return false
	}
	return v.FatigueLevel != nil || v.HemoglobinGDL != nil ||
		v.ShortnessOfBreath != nil || v.PaleSkin != nil || v.Dizziness != nil
}

// Adjust raises the base risk score by the applicable increments and clamps
// the sum once at the end. A nil receiver is the identity adjustment.
func Adjust(base float64, v *Vitals) float64 {
	if v == nil {
		return pallor.Clamp01(base)
	}

	score := base
	if v.HemoglobinGDL != nil {
		switch hgb := *v.HemoglobinGDL; {
		case hgb < severeHemoglobin:
			score += severeHemoglobinBoost
		case hgb < moderateHemoglobin:
			score += moderateHemoglobinBoost
		case hgb < mildHemoglobin:
			score += mildHemoglobinBoost
		}
	}
	if v.FatigueLevel != nil {
		switch fatigue := *v.FatigueLevel; {
		case fatigue >= highFatigue:
			score += highFatigueBoost
		case fatigue >= someFatigue:
			score += someFatigueBoost
		}
	}
	if v.ShortnessOfBreath != nil && *v.ShortnessOfBreath {
		score += shortnessOfBreathBoost
	}
	if v.Dizziness != nil && *v.Dizziness {
		score += dizzinessBoost
	}
	if v.PaleSkin != nil && *v.PaleSkin {
		score += paleSkinBoost
	}
	return pallor.Clamp01(score)
}
