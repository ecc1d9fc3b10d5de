// Package syncqueue batches completed screenings into anonymized research
// payloads and delivers them upstream. Records move pending→synced on a
// delivered batch and pending→failed on a refused one; failed records are
// picked up again by the next cycle, and synced ones never again.
package syncqueue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/vitals"
)

const featureVectorVersion = "v1"

// FeatureVector is the decoded form of the anonymized per-scan encoding.
// It carries aggregate color statistics and coarse symptom booleans only;
// nothing in it identifies a patient, operator, or device.
type FeatureVector struct {
	MeanRed        float64
	MeanGreen      float64
	MeanBlue       float64
	MeanSaturation float64
	MeanBrightness float64
	PallorIndex    float64

	FatigueAssessed   bool
	ShortnessOfBreath bool
	Dizziness         bool
	PaleSkin          bool
}

// EncodeFeatureVector renders the anonymized encoding for one screening.
// Floats carry four decimals; the trailing flags are fatigue-assessed,
// shortness of breath, dizziness, and pale skin, each 1 only when the
// question was answered and (for the symptoms) answered yes. Hemoglobin
// and the raw fatigue level are deliberately absent.
func EncodeFeatureVector(f imaging.ColorFeatures, v *vitals.Vitals) string {
	flags := []byte{'0', '0', '0', '0'}
	if v != nil {
		if v.FatigueLevel != nil {
			flags[0] = '1'
		}
		if v.ShortnessOfBreath != nil && *v.ShortnessOfBreath {
			flags[1] = '1'
		}
		if v.Dizziness != nil && *v.Dizziness {
			flags[2] = '1'
		}
		if v.PaleSkin != nil && *v.PaleSkin {
			flags[3] = '1'
		}
	}
	return fmt.Sprintf("%s:%.4f,%.4f,%.4f,%.4f,%.4f,%.4f:%s",
		featureVectorVersion,
		f.MeanRed, f.MeanGreen, f.MeanBlue,
		f.MeanSaturation, f.MeanBrightness, f.PallorIndex,
		flags)
}

// DecodeFeatureVector parses an encoded vector. It accepts exactly the
// format EncodeFeatureVector produces.
func DecodeFeatureVector(encoded string) (*FeatureVector, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("feature vector has %d sections, want 3", len(parts))
	}
	if parts[0] != featureVectorVersion {
		return nil, fmt.Errorf("unsupported feature vector version %q", parts[0])
	}

	fields := strings.Split(parts[1], ",")
	if len(fields) != 6 {
		return nil, fmt.Errorf("feature vector has %d numeric fields, want 6", len(fields))
	}
	values := make([]float64, len(fields))
	for i, field := range fields {
		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("feature vector field %d: %w", i, err)
		}
		values[i] = value
	}

	flags := parts[2]
	if len(flags) != 4 || strings.Trim(flags, "01") != "" {
		return nil, fmt.Errorf("feature vector flags %q malformed", flags)
	}

	return &FeatureVector{
		MeanRed:           values[0],
		MeanGreen:         values[1],
		MeanBlue:          values[2],
		MeanSaturation:    values[3],
		MeanBrightness:    values[4],
		PallorIndex:       values[5],
		FatigueAssessed:   flags[0] == '1',
		ShortnessOfBreath: flags[1] == '1',
		Dizziness:         flags[2] == '1',
		PaleSkin:          flags[3] == '1',
	}, nil
}
