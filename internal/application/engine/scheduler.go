package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// Scheduler orchestrates one tick: refresh → recover → sync → expire →
// dispatch, then the DCA, merge, and position-group passes. The fixed order
// guarantees a hedge scheduled this tick is not executed this tick, and a
// fill from this tick becomes mergeable no earlier than the next one.
type Scheduler struct {
	cfg      Config
	store    ports.Store
	schedule ports.ScheduleProvider
	orders   ports.OrderExecutor
	risk     *risk.Engine
	notifier ports.Notifier
	recorder Recorder

	initial *InitialExecutor
	dca     *DCAExecutor
	hedge   *HedgeExecutor
	settler *MergeSettler
	groups  *GroupManager

	now func() time.Time
}

// NewScheduler wires the tick orchestrator and its four executor families.
func NewScheduler(
	cfg Config,
	store ports.Store,
	schedule ports.ScheduleProvider,
	market ports.MarketDataProvider,
	orders ports.OrderExecutor,
	merger ports.MergeExecutor,
	preflight ports.Preflight,
	model ports.CalibrationModel,
	analyzer ports.GameAnalyzer,
	riskEngine *risk.Engine,
	notifier ports.Notifier,
	recorder Recorder,
) *Scheduler {
	groups := NewGroupManager(cfg, store)
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		schedule: schedule,
		orders:   orders,
		risk:     riskEngine,
		notifier: notifier,
		recorder: recorder,
		initial:  NewInitialExecutor(cfg, store, market, orders, preflight, model),
		dca:      NewDCAExecutor(cfg, store, market, orders, groups),
		hedge:    NewHedgeExecutor(cfg, store, market, orders, preflight, model, analyzer),
		settler:  NewMergeSettler(cfg, store, market, merger, riskEngine),
		groups:   groups,
		now:      time.Now,
	}
}

// RunTick executes one full scheduler tick.
func (s *Scheduler) RunTick(ctx context.Context) (*domain.TickSummary, error) {
	started := s.now()
	now := started.UTC()
	summary := &domain.TickSummary{TickAt: now}

	// 1. Refresh: open execution windows for events entering the lead.
	refreshed, err := s.refresh(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("engine.RunTick: refresh: %w", err)
	}
	summary.JobsRefreshed = refreshed

	// 2. Recover: resolve jobs stranded in EXECUTING by a crashed tick.
	recovered, err := s.recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.RunTick: recover: %w", err)
	}
	summary.JobsRecovered = recovered

	// 3. Sync fills for resting orders (live mode).
	s.syncFills(ctx)

	// 4. Expire jobs whose window closed.
	expired, err := s.expire(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("engine.RunTick: expire: %w", err)
	}
	summary.JobsExpired = expired

	// Risk gate for everything that adds exposure this tick.
	riskDec := s.risk.Check(ctx)
	summary.RiskLevel = riskDec.Level
	summary.RiskReason = riskDec.Reason
	if riskDec.Degraded {
		summary.Warnings = append(summary.Warnings, "risk engine degraded: "+riskDec.Reason)
	}

	// 5. Dispatch pending jobs, event-time order, capped per tick.
	if riskDec.Allowed {
		dispatched, placed, hedges := s.dispatch(ctx, now, riskDec)
		summary.JobsDispatched = dispatched
		summary.OrdersPlaced = placed
		summary.HedgesOpened = hedges
	} else {
		slog.Warn("sched: trading halted", "level", riskDec.Level, "reason", riskDec.Reason)
		summary.Warnings = append(summary.Warnings,
			fmt.Sprintf("trading halted: %s (%s)", riskDec.Level, riskDec.Reason))
	}

	// 6. DCA pass over accumulating jobs.
	if riskDec.Allowed {
		buys := s.dca.RunAll(ctx, now)
		summary.DCABuys = buys
		summary.OrdersPlaced += buys
	}

	// 7. Merge pass over eligible bothside groups. Runs even when trading
	// is halted: merging only removes risk.
	merges, profit := s.settler.RunAll(ctx, now)
	summary.Merges = merges
	summary.MergeNetProfit = profit

	// 8. Position-group control loop.
	groups, err := s.groups.RunAll(ctx, now, riskDec)
	if err != nil {
		slog.Warn("sched: group pass failed", "err", err)
	}
	summary.Groups = groups

	summary.Duration = s.now().Sub(started)
	s.report(ctx, summary)
	return summary, nil
}

// refresh upserts a pending directional job (and its position group) for
// every event inside its execution window. Idempotent per (condition, side).
func (s *Scheduler) refresh(ctx context.Context, now time.Time) (int, error) {
	events, err := s.schedule.UpcomingEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	lead := time.Duration(s.cfg.Trading.WindowLeadMinutes) * time.Minute
	count := 0
	for _, ev := range events {
		after, before := windowFor(ev.StartTime, lead)
		if now.Before(after) || !now.Before(before) {
			continue
		}

		job := domain.TradeJob{
			EventID:       ev.EventID,
			ConditionID:   ev.ConditionID,
			HomeLabel:     ev.HomeLabel,
			AwayLabel:     ev.AwayLabel,
			EventStart:    ev.StartTime,
			ExecuteAfter:  after,
			ExecuteBefore: before,
			Status:        domain.JobPending,
			Side:          domain.SideDirectional,
		}
		if _, err := s.store.UpsertPendingJob(ctx, job); err != nil {
			slog.Warn("sched: upsert job failed", "condition", ev.ConditionID, "err", err)
			continue
		}

		if err := s.groups.EnsureGroup(ctx, ev); err != nil {
			slog.Warn("sched: ensure group failed", "condition", ev.ConditionID, "err", err)
		}
		count++
	}
	return count, nil
}

// recover inspects every job stranded in EXECUTING. If a signal shows the
// order reached the matching engine, the job is forced to EXECUTED (the
// money is spent; retrying would double-spend). Otherwise it goes back to
// PENDING. No external calls: reads and writes the store only, and running
// it twice in a row is a no-op the second time.
func (s *Scheduler) recover(ctx context.Context) (int, error) {
	stuck, err := s.store.JobsByStatus(ctx, domain.JobExecuting)
	if err != nil {
		return 0, fmt.Errorf("list executing: %w", err)
	}

	count := 0
	for _, job := range stuck {
		role := domain.RoleDirectional
		if job.Side == domain.SideHedge {
			role = domain.RoleHedge
		}
		signals, err := s.store.SignalsByCondition(ctx, job.ConditionID, role)
		if err != nil {
			return count, fmt.Errorf("signals for %s: %w", job.Key(), err)
		}

		submitted := false
		for _, sig := range signals {
			if sig.State.Submitted() {
				submitted = true
				break
			}
		}

		to, reason := domain.JobPending, "recovered: no order submitted"
		if submitted {
			to, reason = domain.JobExecuted, "recovered: order already submitted"
		}
		ok, err := s.store.SwapJobStatus(ctx, job.ID, domain.JobExecuting, to, reason)
		if err != nil {
			return count, fmt.Errorf("recover %s: %w", job.Key(), err)
		}
		if ok {
			count++
			slog.Info("sched: recovered stranded job", "job", job.Key(), "to", to)
		}
	}
	return count, nil
}

// syncFills polls the matching engine for resting orders and records fills.
func (s *Scheduler) syncFills(ctx context.Context) {
	if s.orders == nil {
		// Paper mode fills instantly; there is nothing to poll.
		return
	}
	open, err := s.store.OpenSignals(ctx)
	if err != nil {
		slog.Warn("sched: open signals query failed", "err", err)
		return
	}

	for _, sig := range open {
		if sig.OrderID == "" {
			// The process died between recording the signal and learning
			// the order id. The order cannot be tracked any further.
			_ = s.store.UpdateSignalOrder(ctx, sig.ID, domain.OrderFailed, "", 0, nil)
			continue
		}
		upd, err := s.orders.OrderStatus(ctx, sig.OrderID)
		if err != nil {
			slog.Warn("sched: order status failed", "order", sig.OrderID, "err", err)
			continue
		}
		if upd.State == sig.State {
			continue
		}
		if err := s.store.UpdateSignalOrder(ctx, sig.ID, upd.State, sig.OrderID, upd.FillPrice, upd.FilledAt); err != nil {
			slog.Warn("sched: record fill failed", "signal", sig.ID, "err", err)
			continue
		}
		if upd.State == domain.OrderFilled {
			slog.Info("sched: fill", "condition", sig.ConditionID, "outcome", sig.Outcome,
				"price", upd.FillPrice, "size", sig.Size)
		}
	}
}

// expire closes out jobs whose execution window has passed: pending/failed
// become EXPIRED, accumulating jobs are force-completed since DCA stops
// accepting entries once the event starts.
func (s *Scheduler) expire(ctx context.Context, now time.Time) (int, error) {
	count := 0

	stale, err := s.store.JobsByStatus(ctx, domain.JobPending, domain.JobFailed)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	for _, job := range stale {
		if !job.WindowClosed(now) {
			continue
		}
		ok, err := s.store.SwapJobStatus(ctx, job.ID, job.Status, domain.JobExpired, "window closed")
		if err != nil {
			return count, fmt.Errorf("expire %s: %w", job.Key(), err)
		}
		if ok {
			count++
		}
	}

	accumulating, err := s.store.JobsByStatus(ctx, domain.JobDCAActive)
	if err != nil {
		return count, fmt.Errorf("list dca_active: %w", err)
	}
	for _, job := range accumulating {
		if !job.WindowClosed(now) {
			continue
		}
		ok, err := s.store.SwapJobStatus(ctx, job.ID, domain.JobDCAActive, domain.JobExecuted, "window closed mid accumulation")
		if err != nil {
			return count, fmt.Errorf("close dca %s: %w", job.Key(), err)
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// dispatch routes eligible jobs to the initial or hedge executor in event
// time order, spending a shared per-tick order budget. Overflow jobs stay
// pending for the next tick.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time, riskDec risk.Decision) (dispatched, placed, hedges int) {
	jobs, err := s.store.DispatchableJobs(ctx, now, s.cfg.Trading.MaxRetries)
	if err != nil {
		slog.Warn("sched: dispatch query failed", "err", err)
		return 0, 0, 0
	}

	budget := s.cfg.Trading.MaxOrdersPerTick
	for _, job := range jobs {
		if budget <= 0 {
			slog.Info("sched: order budget exhausted, deferring remaining jobs",
				"deferred", len(jobs)-dispatched)
			break
		}

		var out Outcome
		if job.Side == domain.SideHedge {
			out = s.hedge.Execute(ctx, job, riskDec)
		} else {
			out = s.initial.Execute(ctx, job, riskDec)
		}
		dispatched++
		if out.OrderPlaced {
			placed++
			budget--
			if job.Side == domain.SideHedge {
				hedges++
			}
		}
		if out.Err != nil {
			slog.Warn("sched: executor error", "job", job.Key(), "err", out.Err)
		}
	}
	return dispatched, placed, hedges
}

func (s *Scheduler) report(ctx context.Context, summary *domain.TickSummary) {
	if s.recorder != nil {
		s.recorder.ObserveTick(*summary)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyTick(ctx, *summary); err != nil {
			slog.Warn("sched: notify failed", "err", err)
		}
	}
	slog.Info("sched: tick complete",
		"refreshed", summary.JobsRefreshed,
		"recovered", summary.JobsRecovered,
		"expired", summary.JobsExpired,
		"dispatched", summary.JobsDispatched,
		"orders", summary.OrdersPlaced,
		"dca_buys", summary.DCABuys,
		"merges", summary.Merges,
		"risk", summary.RiskLevel,
		"took", summary.Duration.Round(time.Millisecond),
	)
}
