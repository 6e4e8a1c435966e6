package engine

// engine.go: shared plumbing for the per-tick execution engine.
//
// One Scheduler owns one tick. Executors never run concurrently: the tick
// is a single cooperative pass, and the EXECUTING status swap in the store
// is the only mutual-exclusion mechanism, so an overlapping tick from a
// slow previous run loses the swap race instead of double-spending.

import (
	"context"
	"math"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// Config bundles the engine-relevant configuration sections.
type Config struct {
	Trading config.TradingConfig
	DCA     config.DCAConfig
	Hedge   config.HedgeConfig
	Merge   config.MergeConfig
	Group   config.GroupConfig
	Sizing  config.SizingConfig
}

// Paper reports whether orders are simulated instead of sent.
func (c Config) Paper() bool { return c.Trading.Mode != "live" }

// Recorder receives the finished tick summary. Implemented by the metrics
// package; optional.
type Recorder interface {
	ObserveTick(domain.TickSummary)
}

// truncateStr shortens a label for log lines.
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// kellyFraction is the raw sizing signal for buying a binary share at price
// with expected win probability win: f* = (win − price) / (1 − price),
// clamped to [0, 1].
func kellyFraction(win, price float64) float64 {
	if price <= 0 || price >= 1 {
		return 0
	}
	f := (win - price) / (1 - price)
	return math.Max(0, math.Min(f, 1))
}

// legInventory returns held shares for one leg of a market: filled signal
// shares minus shares consumed by executed merges.
func legInventory(ctx context.Context, store ports.Store, conditionID string, role domain.SignalRole) (float64, error) {
	signals, err := store.SignalsByCondition(ctx, conditionID, role)
	if err != nil {
		return 0, err
	}
	var shares float64
	for _, s := range signals {
		shares += s.FilledShares()
	}
	return shares, nil
}

// computeInventory derives the net position of a market from filled signals
// and executed merges only. Placed-but-unfilled orders never count.
func computeInventory(ctx context.Context, store ports.Store, conditionID string) (domain.Inventory, error) {
	qDir, err := legInventory(ctx, store, conditionID, domain.RoleDirectional)
	if err != nil {
		return domain.Inventory{}, err
	}
	qOpp, err := legInventory(ctx, store, conditionID, domain.RoleHedge)
	if err != nil {
		return domain.Inventory{}, err
	}

	ops, err := store.MergeOpsByCondition(ctx, conditionID)
	if err != nil {
		return domain.Inventory{}, err
	}
	var merged float64
	for _, op := range ops {
		if op.Status == domain.MergeExecuted || op.Status == domain.MergeSimulated {
			merged += op.MergedShares
		}
	}

	return domain.Inventory{
		QDir:      math.Max(0, qDir-merged),
		QOpp:      math.Max(0, qOpp-merged),
		MergedQty: merged,
	}, nil
}

// windowFor derives a job execution window from an event start.
func windowFor(start time.Time, lead time.Duration) (after, before time.Time) {
	return start.Add(-lead), start
}
