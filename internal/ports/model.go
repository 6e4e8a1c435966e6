package ports

import (
	"context"
	"errors"
)

// ErrNoBand is returned when no calibration band covers the given price.
// This is a data-integrity gap: callers skip, they do not retry.
var ErrNoBand = errors.New("no calibration band for price")

// CalibrationModel maps an entry price to an expected win probability.
// How the table is fitted is outside the engine; we only consume it.
type CalibrationModel interface {
	// WinRate returns the expected probability that a share bought at
	// price pays out. Returns ErrNoBand when the price is uncovered.
	WinRate(price float64) (float64, error)

	// Band returns the [lo, hi) price band boundaries covering price,
	// used by the drift test to bucket realized outcomes.
	Band(price float64) (lo, hi float64, err error)
}

// GameAnalyzer produces an optional hedge-sizing adjustment from external
// game analysis. 1.0 means no adjustment.
type GameAnalyzer interface {
	Adjustment(ctx context.Context, eventID string) (float64, error)
}
