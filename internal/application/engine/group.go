package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// GroupManager is the per-market control loop supervising net exposure:
// one iteration per market per tick, retargeting the executors through
// m_target/d_target and an imbalance ceiling that decays as the event
// approaches. Every evaluation writes an audit row, state change or not.
type GroupManager struct {
	cfg   Config
	store ports.Store
}

func NewGroupManager(cfg Config, store ports.Store) *GroupManager {
	return &GroupManager{cfg: cfg, store: store}
}

// EnsureGroup creates the PLANNED group row when a market enters
// scheduling. Idempotent.
func (gm *GroupManager) EnsureGroup(ctx context.Context, ev domain.Event) error {
	existing, err := gm.store.GetGroup(ctx, ev.ConditionID)
	if err != nil {
		return fmt.Errorf("group.EnsureGroup: %w", err)
	}
	if existing != nil {
		return nil
	}
	now := time.Now().UTC()
	return gm.store.UpsertGroup(ctx, domain.PositionGroup{
		ConditionID: ev.ConditionID,
		EventID:     ev.EventID,
		EventStart:  ev.StartTime,
		State:       domain.GroupPlanned,
		DMax:        gm.cfg.Group.DMax,
		PhaseTime:   now,
		UpdatedAt:   now,
	})
}

// RunAll iterates the control loop over every live group.
func (gm *GroupManager) RunAll(ctx context.Context, now time.Time, riskDec risk.Decision) ([]domain.PositionGroup, error) {
	groups, err := gm.store.ActiveGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("group.RunAll: list: %w", err)
	}

	out := make([]domain.PositionGroup, 0, len(groups))
	for _, g := range groups {
		updated, err := gm.step(ctx, g, now, riskDec)
		if err != nil {
			slog.Warn("group: step failed", "condition", g.ConditionID, "err", err)
			continue
		}
		out = append(out, updated)
	}
	return out, nil
}

func (gm *GroupManager) step(ctx context.Context, g domain.PositionGroup, now time.Time, riskDec risk.Decision) (domain.PositionGroup, error) {
	inv, err := computeInventory(ctx, gm.store, g.ConditionID)
	if err != nil {
		return g, fmt.Errorf("inventory: %w", err)
	}

	decayStart := time.Duration(gm.cfg.Group.DecayStartMinutes) * time.Minute
	ceiling := domain.DecayedCeiling(g.DMax, g.EventStart, now, decayStart, gm.cfg.Group.FloorRatio)

	next, reason := gm.evaluate(g, inv, ceiling, riskDec, now)

	// Sizing guidance for the accumulation executors, throttled by the
	// risk multiplier.
	mTarget := g.DMax * riskDec.SizingMultiplier
	dTarget := ceiling * riskDec.SizingMultiplier

	audit := domain.GroupTransition{
		ConditionID: g.ConditionID,
		FromState:   g.State,
		ToState:     next,
		Reason:      reason,
		QDir:        inv.QDir,
		QOpp:        inv.QOpp,
		MergedQty:   inv.MergedQty,
		Imbalance:   inv.Imbalance(),
		Mergeable:   inv.Mergeable(),
		CeilingT:    ceiling,
		At:          now,
	}
	if err := gm.store.SaveGroupTransition(ctx, audit); err != nil {
		return g, fmt.Errorf("audit: %w", err)
	}

	if next != g.State {
		slog.Info("group: transition",
			"condition", g.ConditionID,
			"from", g.State, "to", next, "reason", reason,
			"d", fmt.Sprintf("%.1f", inv.Imbalance()),
			"m", fmt.Sprintf("%.1f", inv.Mergeable()),
			"ceiling", fmt.Sprintf("%.1f", ceiling),
		)
		g.PhaseTime = now
	}
	g.State = next
	g.MTarget = mTarget
	g.DTarget = dTarget
	g.Inventory = inv
	g.UpdatedAt = now

	if err := gm.store.UpsertGroup(ctx, g); err != nil {
		return g, fmt.Errorf("persist: %w", err)
	}
	return g, nil
}

// evaluate applies the transition rules in priority order.
func (gm *GroupManager) evaluate(g domain.PositionGroup, inv domain.Inventory, ceiling float64, riskDec risk.Decision, now time.Time) (domain.GroupState, string) {
	// (a) Risk stop beats everything. SAFE_STOP is terminal until an
	// operator resets the group.
	stopSev := domain.CircuitLevel(gm.cfg.Group.StopSeverity).Severity()
	switch {
	case riskDec.Level.Severity() >= stopSev:
		return domain.GroupSafeStop, "risk_stop: " + riskDec.Reason
	case riskDec.Degraded && gm.cfg.Group.StopOnRiskFailure:
		return domain.GroupSafeStop, "risk_stop: engine degraded"
	}

	d := inv.Imbalance()
	m := inv.Mergeable()
	eps := gm.cfg.Group.Epsilon

	switch g.State {
	case domain.GroupExit:
		if math.Abs(d) <= eps && m <= eps {
			return domain.GroupClosed, "position flat"
		}
		return domain.GroupExit, "unwinding"
	case domain.GroupResidualHold:
		if !now.Before(g.EventStart) {
			return domain.GroupExit, "event started"
		}
		return domain.GroupResidualHold, "holding into event"
	}

	// (b) No new risk this close to the event.
	cutoff := g.EventStart.Add(-time.Duration(gm.cfg.Group.CutoffMinutes) * time.Minute)
	if !now.Before(cutoff) {
		return domain.GroupResidualHold, "new_risk_cutoff"
	}

	// (c) An imbalance beyond the decayed ceiling must shrink before
	// anything else happens.
	if math.Abs(d) > ceiling {
		return domain.GroupBalance, "imbalance_exceeds_ceiling"
	}

	// (d) Enough matched pairs to be worth redeeming.
	if m >= gm.cfg.Merge.MinShares {
		return domain.GroupMergeLoop, "mergeable_above_threshold"
	}

	// (e) Keep acquiring.
	return domain.GroupAcquire, "acquiring"
}

// Allowance returns the USDC a leg may still add this tick under the
// group's current state and targets. ok is false when the market has no
// group, meaning no cap applies.
func (gm *GroupManager) Allowance(ctx context.Context, conditionID string, side domain.JobSide, price float64) (usdc float64, ok bool) {
	g, err := gm.store.GetGroup(ctx, conditionID)
	if err != nil || g == nil {
		return 0, false
	}

	d := g.Inventory.Imbalance()
	m := g.Inventory.Mergeable()

	var shares float64
	switch g.State {
	case domain.GroupSafeStop, domain.GroupClosed:
		shares = 0
	case domain.GroupBalance, domain.GroupResidualHold, domain.GroupExit:
		// Only imbalance-reducing buys.
		if side == domain.SideDirectional {
			shares = math.Max(0, -d)
		} else {
			shares = math.Max(0, d)
		}
	default:
		if side == domain.SideDirectional {
			shares = math.Max(0, g.DTarget-d)
		} else {
			shares = math.Min(math.Max(0, g.MTarget-m), math.Max(0, d+g.DTarget))
		}
	}

	if price <= 0 {
		return 0, true
	}
	return shares * price, true
}
