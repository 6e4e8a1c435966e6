package sizing

// sizer.go: three-layer position sizing.
//
// A raw sizing signal (Kelly-derived USDC amount) is intersected with three
// independent caps: capital, liquidity, and a hard per-position ceiling.
// Absent inputs act as infinite, never as zero: an unknown balance must not
// silently zero the position. The one hard veto is a too-wide spread, which
// forces size 0 and flags the decision for a deferred retry.

import (
	"math"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
)

// Inputs are the sizing signal plus whatever account/liquidity context is
// available at decision time. Zero Balance means unknown; nil Book means no
// liquidity snapshot.
type Inputs struct {
	Raw     float64 // raw Kelly size, USDC
	Balance float64
	Book    *domain.OrderBook
}

// Decision is the sized order with every cap that was applied, for audit.
type Decision struct {
	Size float64

	CapitalCap   float64 // +Inf when balance unknown
	LiquidityCap float64 // +Inf when no book snapshot
	HardCap      float64

	Deferred bool // spread too wide: retry later instead of skipping
	Reason   string
}

// Size intersects the raw signal with the three caps.
func Size(cfg config.SizingConfig, in Inputs) Decision {
	d := Decision{
		CapitalCap:   math.Inf(1),
		LiquidityCap: math.Inf(1),
		HardCap:      cfg.HardCap,
	}

	if in.Balance > 0 {
		d.CapitalCap = in.Balance * cfg.RiskPct
	}

	if in.Book != nil {
		if in.Book.Spread() > cfg.MaxSpread {
			d.Size = 0
			d.Deferred = true
			d.Reason = "spread_too_wide"
			return d
		}
		d.LiquidityCap = in.Book.AskDepthUSDC(cfg.PriceTolerance) * cfg.FillPct
	}

	size := in.Raw
	size = math.Min(size, d.CapitalCap)
	size = math.Min(size, d.LiquidityCap)
	size = math.Min(size, d.HardCap)
	if size < 0 {
		size = 0
	}
	d.Size = size
	return d
}

// Budget sizes a DCA position once for the whole intended amount and splits
// it into equal slices. Sizing is decided upfront, not re-decided per entry,
// so later liquidity cannot silently grow the budget.
func Budget(cfg config.SizingConfig, in Inputs, entries int) (total, slice float64, d Decision) {
	if entries < 1 {
		entries = 1
	}
	d = Size(cfg, in)
	total = d.Size
	slice = total / float64(entries)
	return total, slice, d
}
