package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
)

// fallbackGasUSD is assumed when gas estimation fails.
const fallbackGasUSD = 0.05

// MergeSettler redeems matched home+away share pairs for collateral. One
// pass per tick over every live bothside group. A failed merge is recorded
// and the pair stays eligible; nothing is rolled back.
type MergeSettler struct {
	cfg    Config
	store  ports.Store
	market ports.MarketDataProvider
	merger ports.MergeExecutor
	risk   *risk.Engine

	now func() time.Time
}

func NewMergeSettler(cfg Config, store ports.Store, market ports.MarketDataProvider, merger ports.MergeExecutor, riskEngine *risk.Engine) *MergeSettler {
	return &MergeSettler{
		cfg:    cfg,
		store:  store,
		market: market,
		merger: merger,
		risk:   riskEngine,
		now:    time.Now,
	}
}

// RunAll scans every active group for mergeable inventory. Only fills that
// existed before this tick count: a fill from the current tick becomes
// mergeable next tick at the earliest.
func (ms *MergeSettler) RunAll(ctx context.Context, tickStart time.Time) (merges int, totalNet float64) {
	groups, err := ms.store.ActiveGroups(ctx)
	if err != nil {
		slog.Warn("merge: list groups failed", "err", err)
		return 0, 0
	}

	for _, g := range groups {
		if g.State == domain.GroupSafeStop {
			continue
		}
		net, ok, err := ms.settle(ctx, g, tickStart)
		if err != nil {
			slog.Warn("merge: settle failed", "condition", g.ConditionID, "err", err)
			continue
		}
		if ok {
			merges++
			totalNet += net
		}
	}
	return merges, totalNet
}

// legStats summarizes the settled state of one leg as of a point in time.
type legStats struct {
	Shares  float64
	VWAP    float64
	TokenID string
}

func (ms *MergeSettler) legStats(ctx context.Context, conditionID string, role domain.SignalRole, asOf time.Time) (legStats, error) {
	signals, err := ms.store.SignalsByCondition(ctx, conditionID, role)
	if err != nil {
		return legStats{}, err
	}
	var settled []domain.Signal
	var stats legStats
	for _, s := range signals {
		if s.State != domain.OrderFilled || s.FilledAt == nil || !s.FilledAt.Before(asOf) {
			continue
		}
		settled = append(settled, s)
		stats.Shares += s.FilledShares()
		if stats.TokenID == "" {
			stats.TokenID = s.TokenID
		}
	}
	stats.VWAP = domain.VWAP(settled)
	return stats, nil
}

func (ms *MergeSettler) settle(ctx context.Context, g domain.PositionGroup, tickStart time.Time) (net float64, merged bool, err error) {
	dir, err := ms.legStats(ctx, g.ConditionID, domain.RoleDirectional, tickStart)
	if err != nil {
		return 0, false, fmt.Errorf("directional leg: %w", err)
	}
	hedge, err := ms.legStats(ctx, g.ConditionID, domain.RoleHedge, tickStart)
	if err != nil {
		return 0, false, fmt.Errorf("hedge leg: %w", err)
	}

	ops, err := ms.store.MergeOpsByCondition(ctx, g.ConditionID)
	if err != nil {
		return 0, false, fmt.Errorf("merge history: %w", err)
	}
	var alreadyMerged float64
	for _, op := range ops {
		switch op.Status {
		case domain.MergeExecuted, domain.MergeSimulated:
			alreadyMerged += op.MergedShares
		case domain.MergePending:
			// A previous tick died mid-merge; do not stack another on top.
			return 0, false, nil
		}
	}

	mergeable := math.Floor(math.Min(dir.Shares, hedge.Shares) - alreadyMerged)
	if mergeable < ms.cfg.Merge.MinShares {
		return 0, false, nil
	}

	combined := dir.VWAP + hedge.VWAP
	gas, err := ms.merger.EstimateGasUSD(ctx)
	if err != nil || gas <= 0 {
		gas = fallbackGasUSD
	}
	gross := mergeable * (1 - combined)
	net = gross - gas
	if net < ms.cfg.Merge.MinNetProfit {
		slog.Debug("merge: not profitable after gas",
			"condition", g.ConditionID,
			"combined", fmt.Sprintf("%.3f", combined),
			"gross", fmt.Sprintf("$%.4f", gross),
			"gas", fmt.Sprintf("$%.4f", gas))
		return 0, false, nil
	}

	okBal, err := ms.merger.CheckBalances(ctx, dir.TokenID, hedge.TokenID, mergeable)
	if err != nil {
		return 0, false, fmt.Errorf("balance check: %w", err)
	}
	if !okBal {
		slog.Warn("merge: on-chain balance short of recorded fills", "condition", g.ConditionID)
		return 0, false, nil
	}

	dirJob, hedgeJob := ms.pairedJobs(ctx, g.ConditionID)

	op := domain.MergeOperation{
		ID:              uuid.New().String(),
		ConditionID:     g.ConditionID,
		BothsideGroupID: bothsideGroupOf(dirJob, hedgeJob),
		DirectionalJob:  jobID(dirJob),
		HedgeJob:        jobID(hedgeJob),
		DirShares:       dir.Shares,
		HedgeShares:     hedge.Shares,
		MergedShares:    mergeable,
		RemainderShares: math.Abs(dir.Shares - hedge.Shares),
		DirVWAP:         dir.VWAP,
		HedgeVWAP:       hedge.VWAP,
		CombinedVWAP:    combined,
		GrossProfit:     gross,
		Status:          domain.MergePending,
		CreatedAt:       ms.now().UTC(),
	}
	if err := ms.store.SaveMergeOperation(ctx, op); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			// An overlapping tick claimed this pair after our history read.
			// Only one PENDING operation per condition may exist; we yield.
			slog.Debug("merge: pair already claimed", "condition", g.ConditionID)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("save pending operation: %w", err)
	}

	negRisk := false
	if quote, qerr := ms.market.GetQuote(ctx, g.ConditionID); qerr == nil {
		negRisk = quote.NegRisk
	}

	receipt, err := ms.merger.Merge(ctx, g.ConditionID, mergeable, negRisk)
	executedAt := ms.now().UTC()
	op.ExecutedAt = &executedAt
	op.TxHash = receipt.TxHash
	op.GasCostUSD = receipt.GasCostUSD
	op.NetProfit = gross - receipt.GasCostUSD

	switch {
	case err != nil:
		op.Status = domain.MergeFailed
		op.Reason = err.Error()
	case !receipt.Success:
		op.Status = domain.MergeFailed
		op.Reason = receipt.Error
	case ms.cfg.Paper():
		op.Status = domain.MergeSimulated
	default:
		op.Status = domain.MergeExecuted
	}

	if ferr := ms.store.FinishMergeOperation(ctx, op); ferr != nil {
		return 0, false, fmt.Errorf("finish operation: %w", ferr)
	}
	ms.mirrorToJobs(ctx, dirJob, hedgeJob, op)

	if op.Status == domain.MergeFailed {
		slog.Warn("merge: FAILED", "condition", g.ConditionID, "reason", op.Reason)
		return 0, false, nil
	}

	// A settlement changed the risk inputs; the cached snapshot is stale.
	ms.risk.Invalidate()

	slog.Info("merge: redeemed pair",
		"condition", g.ConditionID,
		"shares", mergeable,
		"combined_vwap", fmt.Sprintf("%.3f", combined),
		"gas", fmt.Sprintf("$%.4f", op.GasCostUSD),
		"net", fmt.Sprintf("$%.4f", op.NetProfit),
		"tx", op.TxHash,
	)
	return op.NetProfit, true, nil
}

func (ms *MergeSettler) pairedJobs(ctx context.Context, conditionID string) (dir, hedge *domain.TradeJob) {
	dir, err := ms.store.GetJobByKey(ctx, conditionID, domain.SideDirectional)
	if err != nil {
		slog.Warn("merge: directional job lookup failed", "condition", conditionID, "err", err)
	}
	hedge, err = ms.store.GetJobByKey(ctx, conditionID, domain.SideHedge)
	if err != nil {
		slog.Warn("merge: hedge job lookup failed", "condition", conditionID, "err", err)
	}
	return dir, hedge
}

// mirrorToJobs copies the operation outcome onto both paired jobs so the
// scheduler can scan merge state without joining operations.
func (ms *MergeSettler) mirrorToJobs(ctx context.Context, dirJob, hedgeJob *domain.TradeJob, op domain.MergeOperation) {
	for _, job := range []*domain.TradeJob{dirJob, hedgeJob} {
		if job == nil {
			continue
		}
		job.MergeStatus = op.Status
		job.MergeOperationID = op.ID
		if err := ms.store.UpdateJob(ctx, *job); err != nil {
			slog.Warn("merge: mirror to job failed", "job", job.Key(), "err", err)
		}
	}
}

func jobID(j *domain.TradeJob) int64 {
	if j == nil {
		return 0
	}
	return j.ID
}

func bothsideGroupOf(dir, hedge *domain.TradeJob) string {
	if dir != nil && dir.BothsideGroupID != "" {
		return dir.BothsideGroupID
	}
	if hedge != nil {
		return hedge.BothsideGroupID
	}
	return ""
}
