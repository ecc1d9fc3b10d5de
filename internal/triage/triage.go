// Package triage maps an adjusted risk score onto one of three screening
// tiers. Classification is a pure function so the same score always yields
// the same tier and operator guidance, on-device and in tests.
package triage

// Level is a screening tier, ordered RED > AMBER > GREEN by urgency.
type Level string

const (
	LevelRed   Level = "RED"
	LevelAmber Level = "AMBER"
	LevelGreen Level = "GREEN"
)

// Tier lower bounds, inclusive. A score of exactly 0.70 is RED and exactly
// 0.40 is AMBER.
const (
	redThreshold   = 0.70
	amberThreshold = 0.40
)

const (
	redRecommendation   = "Immediate medical consultation recommended. The screening indicates a high likelihood of anemia."
	amberRecommendation = "Consider scheduling a blood test. The screening shows moderate indicators consistent with anemia."
	greenRecommendation = "No immediate concern detected. Re-screen if symptoms such as fatigue or dizziness develop."
)

// Classify returns the tier for an adjusted risk score together with the
// fixed operator-facing recommendation for that tier.
func Classify(score float64) (Level, string) {
	switch {
	case score >= redThreshold:
		return LevelRed, redRecommendation
	case score >= amberThreshold:
		return LevelAmber, amberRecommendation
	default:
		return LevelGreen, greenRecommendation
	}
}
