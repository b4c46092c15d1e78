package utils

import (
	"math/rand/v2"
	"time"
)

// CycleSleep computes the pause between scheduler cycles for a target daily
// action rate. The duration is drawn from a normal distribution centered on
// 86400/rate seconds so cycles do not fire on a fixed, detectable beat.
// Never returns a negative duration.
func CycleSleep(dailyRate int, sigma time.Duration, rng *rand.Rand) time.Duration {
	if dailyRate <= 0 {
		return 0
	}

	mean := float64(24*time.Hour) / float64(dailyRate)
	jittered := rng.NormFloat64()*float64(sigma) + mean

	if jittered < 0 {
		return 0
	}

	return time.Duration(jittered)
}
