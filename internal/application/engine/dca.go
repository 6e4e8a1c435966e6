package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
)

// DCAExecutor accumulates open positions across timed entries. One pass per
// tick over every job in DCA_ACTIVE; the budget and slice size were decided
// at entry and are never re-sized here.
type DCAExecutor struct {
	cfg    Config
	store  ports.Store
	market ports.MarketDataProvider
	orders ports.OrderExecutor
	groups *GroupManager

	now func() time.Time
}

func NewDCAExecutor(cfg Config, store ports.Store, market ports.MarketDataProvider, orders ports.OrderExecutor, groups *GroupManager) *DCAExecutor {
	return &DCAExecutor{
		cfg:    cfg,
		store:  store,
		market: market,
		orders: orders,
		groups: groups,
		now:    time.Now,
	}
}

// RunAll evaluates every accumulating job once and returns how many buys
// were placed.
func (de *DCAExecutor) RunAll(ctx context.Context, now time.Time) int {
	jobs, err := de.store.JobsByStatus(ctx, domain.JobDCAActive)
	if err != nil {
		slog.Warn("dca: list jobs failed", "err", err)
		return 0
	}

	buys := 0
	for _, job := range jobs {
		if job.WindowClosed(now) {
			continue // scheduler expiry closes it
		}
		bought, err := de.step(ctx, job, now)
		if err != nil {
			slog.Warn("dca: step failed", "job", job.Key(), "err", err)
			continue
		}
		if bought {
			buys++
		}
	}
	return buys
}

func (de *DCAExecutor) step(ctx context.Context, job domain.TradeJob, now time.Time) (bool, error) {
	entries, err := de.store.SignalsByGroup(ctx, job.DCAGroupID)
	if err != nil {
		return false, fmt.Errorf("dca.step: load entries: %w", err)
	}

	quote, err := de.market.GetQuote(ctx, job.ConditionID)
	if err != nil {
		if errors.Is(err, ports.ErrMarketNotFound) {
			slog.Warn("dca: market vanished", "job", job.Key())
			return false, nil
		}
		return false, fmt.Errorf("dca.step: quote: %w", err)
	}

	outcome := entryOutcome(entries)
	tok, ok := quote.TokenFor(outcome)
	if !ok {
		slog.Warn("dca: entry outcome missing from quote", "job", job.Key(), "outcome", outcome)
		return false, nil
	}

	dec := decideDCA(de.cfg.DCA, job, entries, tok.Price, now)
	if dec.Complete {
		if _, err := de.store.SwapJobStatus(ctx, job.ID, domain.JobDCAActive, domain.JobExecuted, dec.Reason); err != nil {
			return false, fmt.Errorf("dca.step: complete: %w", err)
		}
		return false, nil
	}
	if !dec.Buy {
		slog.Debug("dca: abstain", "job", job.Key(), "reason", dec.Reason, "price", tok.Price)
		return false, nil
	}

	// Position-group guidance caps how much this leg may still add.
	size := job.DCASliceSize
	if allowance, ok := de.groups.Allowance(ctx, job.ConditionID, job.Side, tok.Price); ok && allowance < size {
		if allowance < minOrderUSDC {
			slog.Debug("dca: abstain", "job", job.Key(), "reason", "group_cap")
			return false, nil
		}
		size = allowance
	}

	role := domain.RoleDirectional
	if job.Side == domain.SideHedge {
		role = domain.RoleHedge
	}
	sig := domain.Signal{
		ID:              uuid.New().String(),
		EventID:         job.EventID,
		ConditionID:     job.ConditionID,
		TokenID:         tok.TokenID,
		Outcome:         tok.Outcome,
		Role:            role,
		DCASequence:     job.DCAEntries + 1,
		DCAGroupID:      job.DCAGroupID,
		BothsideGroupID: job.BothsideGroupID,
		ReqPrice:        tok.Price,
		Size:            size,
		Reason:          dec.Reason,
	}
	if err := placeSignal(ctx, de.store, de.orders, de.cfg.Paper(), &sig, quote.NegRisk); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			// An overlapping tick already claimed this slice. Its writer
			// advances the entry count; we place nothing.
			slog.Debug("dca: slice already claimed", "job", job.Key(), "seq", sig.DCASequence)
			return false, nil
		}
		return false, fmt.Errorf("dca.step: %w", err)
	}

	job.DCAEntries++
	job.SignalID = sig.ID
	if err := de.store.UpdateJob(ctx, job); err != nil {
		return true, fmt.Errorf("dca.step: persist entry count: %w", err)
	}

	slog.Info("dca: bought slice",
		"job", job.Key(),
		"seq", sig.DCASequence,
		"price", fmt.Sprintf("%.2f", tok.Price),
		"size", fmt.Sprintf("$%.2f", size),
		"trigger", dec.Reason,
	)

	if job.DCAEntries >= job.DCAMaxEntries {
		if _, err := de.store.SwapJobStatus(ctx, job.ID, domain.JobDCAActive, domain.JobExecuted, "max_entries"); err != nil {
			return true, fmt.Errorf("dca.step: close out: %w", err)
		}
	}
	return true, nil
}

// dcaDecision is the outcome of one ladder evaluation.
type dcaDecision struct {
	Buy      bool
	Complete bool // job should move to EXECUTED
	Reason   string
}

// decideDCA runs the accumulation ladder against the current price and the
// entry history. Checks are ordered; the first match wins.
func decideDCA(cfg config.DCAConfig, job domain.TradeJob, entries []domain.Signal, price float64, now time.Time) dcaDecision {
	if job.DCAEntries >= job.DCAMaxEntries {
		return dcaDecision{Complete: true, Reason: "max_entries"}
	}

	first, last, ok := firstLastFilled(entries)
	if !ok {
		// The initial executor owns the first entry.
		return dcaDecision{Reason: "no_entries"}
	}

	if math.Abs(price-first.FillPrice) > cfg.MaxSpreadAbs {
		return dcaDecision{Reason: "spread_guard"}
	}

	cutoff := job.EventStart.Add(-time.Duration(cfg.CutoffMinutes) * time.Minute)
	if !now.Before(cutoff) {
		// Window closes naturally via scheduler expiry; no forced move.
		return dcaDecision{Reason: "cutoff"}
	}

	minInterval := time.Duration(cfg.MinIntervalMinutes) * time.Minute
	if last.FilledAt != nil && now.Sub(*last.FilledAt) < minInterval {
		return dcaDecision{Reason: "too_soon"}
	}

	// TWAP schedule: equal intervals from the first entry to the cutoff,
	// one per remaining entry.
	firstAt := first.CreatedAt
	if first.FilledAt != nil {
		firstAt = *first.FilledAt
	}
	remaining := job.DCAMaxEntries - 1
	span := cutoff.Sub(firstAt)
	if remaining > 0 && span > 0 {
		interval := span / time.Duration(remaining)
		due := firstAt.Add(interval * time.Duration(job.DCAEntries))
		if !now.Before(due) {
			if price > first.FillPrice*(1+cfg.UnfavorablePct) {
				return dcaDecision{Reason: "price_unfavorable"}
			}
			return dcaDecision{Buy: true, Reason: "twap_due"}
		}
	}

	if price <= first.FillPrice*(1-cfg.DiscountPct) {
		return dcaDecision{Buy: true, Reason: "favorable_price"}
	}
	return dcaDecision{Reason: "not_due"}
}

func firstLastFilled(entries []domain.Signal) (first, last domain.Signal, ok bool) {
	for _, s := range entries {
		if s.State != domain.OrderFilled {
			continue
		}
		if !ok || s.DCASequence < first.DCASequence {
			first = s
		}
		if !ok || s.DCASequence > last.DCASequence {
			last = s
		}
		ok = true
	}
	return first, last, ok
}

func entryOutcome(entries []domain.Signal) string {
	for _, s := range entries {
		if s.Outcome != "" {
			return s.Outcome
		}
	}
	return ""
}
