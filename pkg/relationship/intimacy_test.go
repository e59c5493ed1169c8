package relationship

import (
	"testing"
	"time"
)

func msAgo(d time.Duration) int64 {
	return time.Now().Add(-d).UnixMilli()
}

func TestDecayedIntimacy_StepsTowardZero(t *testing.T) {
	now := time.Now().UnixMilli()

	// 9 days of silence is 3 decay steps.
	if got := decayedIntimacy(50, msAgo(9*24*time.Hour), now); got != 47 {
		t.Errorf("decayed(50, 9d) = %d, want 47", got)
	}
	if got := decayedIntimacy(-50, msAgo(9*24*time.Hour), now); got != -47 {
		t.Errorf("decayed(-50, 9d) = %d, want -47", got)
	}
}

func TestDecayedIntimacy_NoPartialStep(t *testing.T) {
	now := time.Now().UnixMilli()

	if got := decayedIntimacy(50, msAgo(2*24*time.Hour), now); got != 50 {
		t.Errorf("decayed(50, 2d) = %d, want 50", got)
	}
	if got := decayedIntimacy(50, msAgo(5*24*time.Hour), now); got != 49 {
		t.Errorf("decayed(50, 5d) = %d, want 49", got)
	}
}

func TestDecayedIntimacy_NeverCrossesZero(t *testing.T) {
	now := time.Now().UnixMilli()

	// 300 days would be 100 steps; a score of 2 stops at zero.
	if got := decayedIntimacy(2, msAgo(300*24*time.Hour), now); got != 0 {
		t.Errorf("decayed(2, 300d) = %d, want 0", got)
	}
	if got := decayedIntimacy(-2, msAgo(300*24*time.Hour), now); got != 0 {
		t.Errorf("decayed(-2, 300d) = %d, want 0", got)
	}
}

func TestDecayedIntimacy_ZeroAndFutureSafe(t *testing.T) {
	now := time.Now().UnixMilli()

	if got := decayedIntimacy(0, msAgo(30*24*time.Hour), now); got != 0 {
		t.Errorf("decayed(0) = %d, want 0", got)
	}
	// Clock skew: lastInteraction in the future must not change anything.
	if got := decayedIntimacy(30, now+60_000, now); got != 30 {
		t.Errorf("decayed with future interaction = %d, want 30", got)
	}
}

func TestEffectiveDelta_Clamps(t *testing.T) {
	if got := effectiveDelta(0, 100); got != deltaMax {
		t.Errorf("effectiveDelta(0, 100) = %d, want %d", got, deltaMax)
	}
	if got := effectiveDelta(0, -200); got != deltaMin {
		t.Errorf("effectiveDelta(0, -200) = %d, want %d", got, deltaMin)
	}
	if got := effectiveDelta(10, 5); got != 5 {
		t.Errorf("effectiveDelta(10, 5) = %d, want 5", got)
	}
}

func TestEffectiveDelta_RecoveryDamping(t *testing.T) {
	// Positive gain onto a negative score: round(10*0.6) = 6.
	if got := effectiveDelta(-20, 10); got != 6 {
		t.Errorf("effectiveDelta(-20, 10) = %d, want 6", got)
	}
	// Tiny gains still make at least one point of progress.
	if got := effectiveDelta(-20, 1); got != 1 {
		t.Errorf("effectiveDelta(-20, 1) = %d, want 1", got)
	}
	// Negative deltas on negative scores are not dampened.
	if got := effectiveDelta(-20, -10); got != -10 {
		t.Errorf("effectiveDelta(-20, -10) = %d, want -10", got)
	}
}

func TestClampIntimacy(t *testing.T) {
	if got := clampIntimacy(150); got != intimacyMax {
		t.Errorf("clampIntimacy(150) = %d", got)
	}
	if got := clampIntimacy(-150); got != intimacyMin {
		t.Errorf("clampIntimacy(-150) = %d", got)
	}
	if got := clampIntimacy(42); got != 42 {
		t.Errorf("clampIntimacy(42) = %d", got)
	}
}
