package relationship

import (
	"math"
	"time"
)

const (
	intimacyMin = -100
	intimacyMax = 100
	deltaMin    = -50
	deltaMax    = 10

	// One decay step per three silent days.
	decayStepDays = 3
	// Positive gains onto a negative score are dampened: trust rebuilds
	// slower than it erodes.
	recoveryFactor = 0.6
)

func clampIntimacy(v int) int {
	if v < intimacyMin {
		return intimacyMin
	}
	if v > intimacyMax {
		return intimacyMax
	}
	return v
}

func clampDelta(d int) int {
	if d < deltaMin {
		return deltaMin
	}
	if d > deltaMax {
		return deltaMax
	}
	return d
}

// effectiveDelta clamps the raw delta and dampens positive gains applied
// to a negative score, keeping at least one point of progress.
func effectiveDelta(current, raw int) int {
	d := clampDelta(raw)
	if d > 0 && current < 0 {
		damped := int(math.Round(float64(d) * recoveryFactor))
		if damped < 1 {
			damped = 1
		}
		return damped
	}
	return d
}

// decayedIntimacy moves the stored score toward zero, one step per
// decayStepDays of silence, never crossing zero. Pure: nothing persists.
func decayedIntimacy(stored int, lastInteractionMS, nowMS int64) int {
	if stored == 0 || lastInteractionMS <= 0 || nowMS <= lastInteractionMS {
		return stored
	}
	days := float64(nowMS-lastInteractionMS) / float64(24*time.Hour/time.Millisecond)
	steps := int(days) / decayStepDays
	if steps <= 0 {
		return stored
	}
	if stored > 0 {
		if steps >= stored {
			return 0
		}
		return stored - steps
	}
	if steps >= -stored {
		return 0
	}
	return stored + steps
}
