package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/application/sizing"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
)

// HedgeExecutor opens the offsetting leg of a bothside group. The job was
// scheduled with a delay, so prices have moved since the opportunity was
// identified, so both ceilings are re-checked against live data before any
// money moves.
type HedgeExecutor struct {
	cfg       Config
	store     ports.Store
	market    ports.MarketDataProvider
	orders    ports.OrderExecutor
	preflight ports.Preflight
	model     ports.CalibrationModel
	analyzer  ports.GameAnalyzer

	now func() time.Time
}

func NewHedgeExecutor(cfg Config, store ports.Store, market ports.MarketDataProvider, orders ports.OrderExecutor, preflight ports.Preflight, model ports.CalibrationModel, analyzer ports.GameAnalyzer) *HedgeExecutor {
	return &HedgeExecutor{
		cfg:       cfg,
		store:     store,
		market:    market,
		orders:    orders,
		preflight: preflight,
		model:     model,
		analyzer:  analyzer,
		now:       time.Now,
	}
}

// Execute runs one eligible hedge job to a terminal-for-this-tick status.
func (he *HedgeExecutor) Execute(ctx context.Context, job domain.TradeJob, riskDec risk.Decision) Outcome {
	ok, err := he.store.SwapJobStatus(ctx, job.ID, job.Status, domain.JobExecuting, "")
	if err != nil {
		return Outcome{Err: fmt.Errorf("hedge.Execute: claim %s: %w", job.Key(), err)}
	}
	if !ok {
		return Outcome{Reason: "lost dispatch race"}
	}

	out := he.run(ctx, job, riskDec)
	if out.Status != "" {
		resolveJob(ctx, he.store, job, out)
	}
	return out
}

func (he *HedgeExecutor) run(ctx context.Context, job domain.TradeJob, riskDec risk.Decision) Outcome {
	dirSignals, err := he.store.SignalsByCondition(ctx, job.ConditionID, domain.RoleDirectional)
	if err != nil {
		return failed("directional history unavailable", err)
	}
	dirVWAP := domain.VWAP(dirSignals)
	if dirVWAP <= 0 {
		// Nothing filled on the directional leg yet; retry next tick.
		return Outcome{Status: domain.JobPending, Reason: "deferred: directional leg unfilled"}
	}
	dirOutcome := entryOutcome(dirSignals)

	quote, err := he.market.GetQuote(ctx, job.ConditionID)
	if err != nil {
		if errors.Is(err, ports.ErrMarketNotFound) {
			return skipped("market_not_found")
		}
		return failed("quote fetch failed", err)
	}
	if !quote.Active {
		return skipped("market_inactive")
	}

	hedgeTok, ok := quote.Opposite(dirOutcome)
	if !ok {
		return skipped("opposite outcome missing from quote")
	}

	// Prices moved since the directional entry; re-check both ceilings.
	combined := dirVWAP + hedgeTok.Price
	if combined >= he.cfg.Hedge.CombinedCeiling {
		return skipped(fmt.Sprintf("combined price %.3f exceeds ceiling %.3f",
			combined, he.cfg.Hedge.CombinedCeiling))
	}
	if hedgeTok.Price >= he.cfg.Hedge.LegCeiling {
		return skipped(fmt.Sprintf("hedge leg price %.3f exceeds ceiling %.3f",
			hedgeTok.Price, he.cfg.Hedge.LegCeiling))
	}

	win, err := he.model.WinRate(hedgeTok.Price)
	if err != nil {
		if errors.Is(err, ports.ErrNoBand) {
			return skipped("no_calibration_band")
		}
		return failed("calibration lookup failed", err)
	}

	var balance float64
	if !he.cfg.Paper() {
		pf, err := he.preflight.Snapshot(ctx)
		if err != nil {
			return failed("preflight unavailable", err)
		}
		balance = pf.Balance
	}

	base := balance
	if base <= 0 {
		base = he.cfg.Sizing.HardCap
	}
	raw := base * kellyFraction(win, hedgeTok.Price) * he.cfg.Hedge.KellyMult *
		he.adjustment(ctx, job.EventID) * riskDec.SizingMultiplier

	book := he.fetchBook(ctx, hedgeTok.TokenID)
	total, slice, dec := sizing.Budget(he.cfg.Sizing, sizing.Inputs{
		Raw:     raw,
		Balance: balance,
		Book:    book,
	}, he.cfg.DCA.MaxEntries)
	if dec.Deferred {
		return Outcome{Status: domain.JobPending, Reason: "deferred: " + dec.Reason}
	}
	if total < minOrderUSDC {
		return skipped("sized_to_zero")
	}

	sig := domain.Signal{
		ID:              uuid.New().String(),
		EventID:         job.EventID,
		ConditionID:     job.ConditionID,
		TokenID:         hedgeTok.TokenID,
		Outcome:         hedgeTok.Outcome,
		Role:            domain.RoleHedge,
		DCASequence:     1,
		DCAGroupID:      uuid.New().String(),
		BothsideGroupID: job.BothsideGroupID,
		ReqPrice:        hedgeTok.Price,
		Size:            slice,
	}
	if err := placeSignal(ctx, he.store, he.orders, he.cfg.Paper(), &sig, quote.NegRisk); err != nil {
		return failed("placement failed", err)
	}

	slog.Info("hedge: opened offsetting leg",
		"event", truncateStr(job.EventID, 40),
		"outcome", hedgeTok.Outcome,
		"price", fmt.Sprintf("%.2f", hedgeTok.Price),
		"combined", fmt.Sprintf("%.3f", combined),
		"slice", fmt.Sprintf("$%.2f", slice),
	)

	job.SignalID = sig.ID
	job.DCAEntries = 1
	job.DCAMaxEntries = he.cfg.DCA.MaxEntries
	job.DCAGroupID = sig.DCAGroupID
	job.DCATotalBudget = total
	job.DCASliceSize = slice
	if err := he.store.UpdateJob(ctx, job); err != nil {
		return Outcome{OrderPlaced: true, Err: fmt.Errorf("hedge.run: persist job: %w", err)}
	}

	final := domain.JobExecuted
	if job.DCAMaxEntries > 1 {
		final = domain.JobDCAActive
	}
	if _, err := he.store.SwapJobStatus(ctx, job.ID, domain.JobExecuting, final, "hedged"); err != nil {
		return Outcome{OrderPlaced: true, Err: fmt.Errorf("hedge.run: finalize: %w", err)}
	}
	return Outcome{OrderPlaced: true, Status: final, Reason: "hedged"}
}

// adjustment asks the game analyzer for a sizing tilt, clamped to the
// configured range. Analyzer failures mean no adjustment.
func (he *HedgeExecutor) adjustment(ctx context.Context, eventID string) float64 {
	if he.analyzer == nil {
		return 1.0
	}
	adj, err := he.analyzer.Adjustment(ctx, eventID)
	if err != nil {
		slog.Debug("hedge: analyzer unavailable", "event", eventID, "err", err)
		return 1.0
	}
	return math.Max(he.cfg.Hedge.AdjustMin, math.Min(adj, he.cfg.Hedge.AdjustMax))
}

func (he *HedgeExecutor) fetchBook(ctx context.Context, tokenID string) *domain.OrderBook {
	book, err := he.market.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil
	}
	return &book
}
