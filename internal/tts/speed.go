package tts

import (
	"errors"
)

var (
	// ErrSpeedOutOfRange is returned when speed is outside valid range
	ErrSpeedOutOfRange = errors.New("speed must be between 0.5 and 2.0")
)

// SpeedSteps are the speaking-rate presets offered to authors.
var SpeedSteps = []float64{
	0.5,  // Half speed
	0.75, // Three-quarter speed
	1.0,  // Normal speed
	1.25, // Quarter faster
	1.5,  // Half faster
	1.75, // Three-quarter faster
	2.0,  // Double speed
}

// LengthScaleForSpeed converts a speaking-rate multiplier into the
// parametric engine's length scale.
// Speed: 0.5 = half speed (scale 2.0), 2.0 = double speed (scale 0.5)
func LengthScaleForSpeed(speed float64) (float64, error) {
	if speed < 0.5 || speed > 2.0 {
		return 0, ErrSpeedOutOfRange
	}
	return 1.0 / speed, nil
}

// SpeakingRateForLengthScale is the inverse, used for engines that take a
// speaking rate instead of a length scale.
func SpeakingRateForLengthScale(lengthScale float64) float64 {
	if lengthScale <= 0 {
		return 1.0
	}
	return clamp(1.0/lengthScale, 1.0/MaxLengthScale, 1.0/MinLengthScale)
}
