package domain

import "time"

// CircuitLevel is the graduated trading-halt level.
type CircuitLevel string

const (
	LevelGreen  CircuitLevel = "GREEN"
	LevelYellow CircuitLevel = "YELLOW"
	LevelOrange CircuitLevel = "ORANGE"
	LevelRed    CircuitLevel = "RED"
)

// Severity orders the levels: GREEN < YELLOW < ORANGE < RED.
func (l CircuitLevel) Severity() int {
	switch l {
	case LevelYellow:
		return 1
	case LevelOrange:
		return 2
	case LevelRed:
		return 3
	}
	return 0
}

// RiskInputs are the raw metrics the circuit-breaker level is a pure
// function of. All percentages are of current balance, expressed 0–100.
type RiskInputs struct {
	DailyLossPct      float64
	WeeklyLossPct     float64
	ConsecutiveLosses int
	DrawdownPct       float64
	OpenExposure      float64
	Balance           float64
	CalibrationDrift  bool
}

// RiskSnapshot is the engine's computed state at one instant. Persisted
// append-only; the latest row carries level and lockout forward between
// recomputations.
type RiskSnapshot struct {
	ComputedAt time.Time

	DailyPnL  float64
	WeeklyPnL float64
	Inputs    RiskInputs

	Level            CircuitLevel
	SizingMultiplier float64
	LockoutUntil     *time.Time
	Flags            []string // diagnostic flags, e.g. "calibration_drift"
	Reason           string
}

// HasFlag reports whether a diagnostic flag is present on the snapshot.
func (s RiskSnapshot) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
