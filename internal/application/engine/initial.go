package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/application/sizing"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
)

// minOrderUSDC is the smallest entry worth placing.
const minOrderUSDC = 1.0

// InitialExecutor opens the directional leg of a market: evaluates EV on
// both outcomes against the calibration model, sizes a DCA budget once for
// the whole position, and places the first slice.
type InitialExecutor struct {
	cfg       Config
	store     ports.Store
	market    ports.MarketDataProvider
	orders    ports.OrderExecutor
	preflight ports.Preflight
	model     ports.CalibrationModel

	now func() time.Time
}

func NewInitialExecutor(cfg Config, store ports.Store, market ports.MarketDataProvider, orders ports.OrderExecutor, preflight ports.Preflight, model ports.CalibrationModel) *InitialExecutor {
	return &InitialExecutor{
		cfg:       cfg,
		store:     store,
		market:    market,
		orders:    orders,
		preflight: preflight,
		model:     model,
		now:       time.Now,
	}
}

// Execute runs one pending/failed directional job to a terminal-for-this-
// tick status. The EXECUTING swap happens before any external I/O.
func (ie *InitialExecutor) Execute(ctx context.Context, job domain.TradeJob, riskDec risk.Decision) Outcome {
	ok, err := ie.store.SwapJobStatus(ctx, job.ID, job.Status, domain.JobExecuting, "")
	if err != nil {
		return Outcome{Err: fmt.Errorf("initial.Execute: claim %s: %w", job.Key(), err)}
	}
	if !ok {
		return Outcome{Reason: "lost dispatch race"}
	}

	out := ie.run(ctx, job, riskDec)
	if out.Status != "" {
		resolveJob(ctx, ie.store, job, out)
	}
	return out
}

func (ie *InitialExecutor) run(ctx context.Context, job domain.TradeJob, riskDec risk.Decision) Outcome {
	now := ie.now().UTC()

	quote, err := ie.market.GetQuote(ctx, job.ConditionID)
	if err != nil {
		if errors.Is(err, ports.ErrMarketNotFound) {
			return skipped("market_not_found")
		}
		return failed("quote fetch failed", err)
	}
	if !quote.Active {
		return skipped("market_inactive")
	}

	best, ok := ie.selectSide(quote)
	if !ok {
		return skipped("no_positive_ev")
	}

	balance, out := ie.runPreflight(ctx)
	if out != nil {
		return *out
	}

	book := ie.fetchBook(ctx, best.Token.TokenID)
	base := balance
	if base <= 0 {
		base = ie.cfg.Sizing.HardCap
	}
	raw := base * kellyFraction(best.Win, best.Token.Price) * riskDec.SizingMultiplier

	total, slice, dec := sizing.Budget(ie.cfg.Sizing, sizing.Inputs{
		Raw:     raw,
		Balance: balance,
		Book:    book,
	}, ie.cfg.DCA.MaxEntries)
	if dec.Deferred {
		return Outcome{Status: domain.JobPending, Reason: "deferred: " + dec.Reason}
	}
	if total < minOrderUSDC {
		return skipped("sized_to_zero")
	}

	sig := domain.Signal{
		ID:          uuid.New().String(),
		EventID:     job.EventID,
		ConditionID: job.ConditionID,
		TokenID:     best.Token.TokenID,
		Outcome:     best.Token.Outcome,
		Role:        domain.RoleDirectional,
		DCASequence: 1,
		DCAGroupID:  uuid.New().String(),
		ReqPrice:    best.Token.Price,
		Size:        slice,
	}

	if err := placeSignal(ctx, ie.store, ie.orders, ie.cfg.Paper(), &sig, quote.NegRisk); err != nil {
		return failed("placement failed", err)
	}

	slog.Info("initial: entered position",
		"event", truncateStr(job.EventID, 40),
		"outcome", best.Token.Outcome,
		"price", fmt.Sprintf("%.2f", best.Token.Price),
		"ev", fmt.Sprintf("%.3f", best.EV),
		"slice", fmt.Sprintf("$%.2f", slice),
		"budget", fmt.Sprintf("$%.2f", total),
	)

	job.SignalID = sig.ID
	job.DCAEntries = 1
	job.DCAMaxEntries = ie.cfg.DCA.MaxEntries
	job.DCAGroupID = sig.DCAGroupID
	job.DCATotalBudget = total
	job.DCASliceSize = slice

	if ie.cfg.Trading.Bothside {
		if err := ie.scheduleHedge(ctx, &job, best, now); err != nil {
			slog.Warn("initial: hedge scheduling failed", "job", job.Key(), "err", err)
		}
	}

	if err := ie.store.UpdateJob(ctx, job); err != nil {
		return Outcome{OrderPlaced: true, Err: fmt.Errorf("initial.run: persist job: %w", err)}
	}

	final := domain.JobExecuted
	if job.DCAMaxEntries > 1 {
		final = domain.JobDCAActive
	}
	if _, err := ie.store.SwapJobStatus(ctx, job.ID, domain.JobExecuting, final, "entered"); err != nil {
		return Outcome{OrderPlaced: true, Err: fmt.Errorf("initial.run: finalize: %w", err)}
	}
	return Outcome{OrderPlaced: true, Status: final, Reason: "entered"}
}

// sideEval is one outcome leg's expected value against the calibration model.
type sideEval struct {
	Token domain.Token
	Win   float64
	EV    float64
}

// selectSide evaluates both outcomes and picks the higher EV above the
// entry threshold. A missing calibration band disqualifies that side only.
func (ie *InitialExecutor) selectSide(quote domain.Quote) (sideEval, bool) {
	var best sideEval
	found := false
	for _, tok := range []domain.Token{quote.Home, quote.Away} {
		win, err := ie.model.WinRate(tok.Price)
		if err != nil {
			if !errors.Is(err, ports.ErrNoBand) {
				slog.Warn("initial: calibration lookup failed", "price", tok.Price, "err", err)
			}
			continue
		}
		ev := win - tok.Price
		if ev < ie.cfg.Trading.MinEV {
			continue
		}
		if !found || ev > best.EV {
			best = sideEval{Token: tok, Win: win, EV: ev}
			found = true
		}
	}
	return best, found
}

// runPreflight vetoes live placement on balance and daily caps. Paper mode
// trades without an account snapshot.
func (ie *InitialExecutor) runPreflight(ctx context.Context) (balance float64, out *Outcome) {
	if ie.cfg.Paper() {
		return 0, nil
	}
	pf, err := ie.preflight.Snapshot(ctx)
	if err != nil {
		o := failed("preflight unavailable", err)
		return 0, &o
	}
	switch {
	case pf.Balance < ie.cfg.Trading.MinBalance:
		o := failed(fmt.Sprintf("balance below minimum ($%.2f < $%.2f)", pf.Balance, ie.cfg.Trading.MinBalance), nil)
		return 0, &o
	case pf.LiveOrdersToday >= ie.cfg.Trading.MaxDailyOrders:
		o := failed("daily order cap reached", nil)
		return 0, &o
	case pf.ExposureToday >= ie.cfg.Trading.MaxDailyExposure:
		o := failed("daily exposure cap reached", nil)
		return 0, &o
	}
	return pf.Balance, nil
}

func (ie *InitialExecutor) fetchBook(ctx context.Context, tokenID string) *domain.OrderBook {
	book, err := ie.market.GetOrderBook(ctx, tokenID)
	if err != nil {
		slog.Debug("initial: no book snapshot", "token", tokenID, "err", err)
		return nil
	}
	return &book
}

// scheduleHedge upserts the offsetting leg's job, eligible after the
// configured delay from now (not from event start). It is dispatched on a
// later tick, never this one.
func (ie *InitialExecutor) scheduleHedge(ctx context.Context, job *domain.TradeJob, best sideEval, now time.Time) error {
	groupID := uuid.New().String()
	hedgeJob := domain.TradeJob{
		EventID:         job.EventID,
		ConditionID:     job.ConditionID,
		HomeLabel:       job.HomeLabel,
		AwayLabel:       job.AwayLabel,
		EventStart:      job.EventStart,
		ExecuteAfter:    now.Add(time.Duration(ie.cfg.Hedge.DelayMinutes) * time.Minute),
		ExecuteBefore:   job.ExecuteBefore,
		Status:          domain.JobPending,
		Side:            domain.SideHedge,
		BothsideGroupID: groupID,
		PairedJobID:     job.ID,
	}
	created, err := ie.store.UpsertPendingJob(ctx, hedgeJob)
	if err != nil {
		return fmt.Errorf("upsert hedge job: %w", err)
	}

	job.BothsideGroupID = groupID
	job.PairedJobID = created.ID
	slog.Info("initial: hedge scheduled",
		"event", truncateStr(job.EventID, 40),
		"eligible_at", hedgeJob.ExecuteAfter.Format("15:04:05"))
	return nil
}

// resolveJob moves a claimed job out of EXECUTING to the outcome the
// executor decided, bumping the retry counter on failures.
func resolveJob(ctx context.Context, store ports.Store, job domain.TradeJob, out Outcome) {
	switch out.Status {
	case domain.JobSkipped, domain.JobPending:
		if _, err := store.SwapJobStatus(ctx, job.ID, domain.JobExecuting, out.Status, out.Reason); err != nil {
			slog.Warn("exec: resolve failed", "job", job.Key(), "err", err)
		}
	case domain.JobFailed:
		job.RetryCount++
		job.Reason = out.Reason
		if err := store.UpdateJob(ctx, job); err != nil {
			slog.Warn("exec: retry bump failed", "job", job.Key(), "err", err)
		}
		if _, err := store.SwapJobStatus(ctx, job.ID, domain.JobExecuting, domain.JobFailed, out.Reason); err != nil {
			slog.Warn("exec: resolve failed", "job", job.Key(), "err", err)
		}
	}
}
