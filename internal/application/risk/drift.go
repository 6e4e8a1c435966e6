package risk

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/alejandrodnm/matchbot/internal/ports"
)

// driftBands are the price-band midpoints checked for calibration drift.
// Realized outcomes per band come from settled signals; the expectation
// comes from the calibration model.
var driftBands = []struct{ lo, hi float64 }{
	{0.10, 0.20}, {0.20, 0.30}, {0.30, 0.40}, {0.40, 0.50},
	{0.50, 0.60}, {0.60, 0.70}, {0.70, 0.80}, {0.80, 0.90},
}

// detectDrift runs a z-score test of realized vs expected win rate per
// price band. Bands below the minimum sample size are skipped, as are
// prices the model has no band for.
func (e *Engine) detectDrift(ctx context.Context) bool {
	if e.model == nil {
		return false
	}
	for _, b := range driftBands {
		wins, total, err := e.store.BandOutcomes(ctx, b.lo, b.hi)
		if err != nil {
			slog.Warn("risk: band outcomes query failed", "lo", b.lo, "hi", b.hi, "err", err)
			continue
		}
		if total < e.cfg.DriftMinSamples {
			continue
		}

		mid := (b.lo + b.hi) / 2
		expected, err := e.model.WinRate(mid)
		if err != nil {
			if !errors.Is(err, ports.ErrNoBand) {
				slog.Warn("risk: calibration lookup failed", "price", mid, "err", err)
			}
			continue
		}
		if expected <= 0 || expected >= 1 {
			continue
		}

		realized := float64(wins) / float64(total)
		se := math.Sqrt(expected * (1 - expected) / float64(total))
		if se == 0 {
			continue
		}
		z := (realized - expected) / se
		if math.Abs(z) >= e.cfg.DriftZThreshold {
			slog.Warn("risk: calibration drift detected",
				"band_lo", b.lo, "band_hi", b.hi,
				"expected", expected, "realized", realized, "z", z, "n", total)
			return true
		}
	}
	return false
}
