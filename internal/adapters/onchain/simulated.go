package onchain

// simulated.go: paper-mode merge executor. No chain access: balances
// always pass and merges succeed instantly with a representative gas cost.

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/matchbot/internal/ports"
)

// defaultSimGasUSD approximates a Polygon merge at typical gas prices.
const defaultSimGasUSD = 0.02

// SimulatedMerger implements ports.MergeExecutor without touching the
// chain. The engine still runs its full profitability ladder against it.
type SimulatedMerger struct {
	gasUSD float64
}

// NewSimulatedMerger creates a paper merger. gasUSD <= 0 selects the
// default estimate.
func NewSimulatedMerger(gasUSD float64) *SimulatedMerger {
	if gasUSD <= 0 {
		gasUSD = defaultSimGasUSD
	}
	return &SimulatedMerger{gasUSD: gasUSD}
}

func (s *SimulatedMerger) EstimateGasUSD(context.Context) (float64, error) {
	return s.gasUSD, nil
}

func (s *SimulatedMerger) CheckBalances(_ context.Context, _, _ string, _ float64) (bool, error) {
	return true, nil
}

func (s *SimulatedMerger) Merge(_ context.Context, conditionID string, shares float64, _ bool) (ports.MergeReceipt, error) {
	slog.Debug("merge: simulated", "condition", shortID(conditionID), "shares", shares)
	return ports.MergeReceipt{
		TxHash:     "simulated",
		GasCostUSD: s.gasUSD,
		Success:    true,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
