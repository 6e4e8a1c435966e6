package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/internal/adapters/storage"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeJob(condID string, side domain.JobSide, start time.Time) domain.TradeJob {
	return domain.TradeJob{
		EventID:       "evt-" + condID,
		ConditionID:   condID,
		HomeLabel:     "Lakers",
		AwayLabel:     "Celtics",
		EventStart:    start,
		ExecuteAfter:  start.Add(-90 * time.Minute),
		ExecuteBefore: start,
		Status:        domain.JobPending,
		Side:          side,
	}
}

func makeSignal(condID string, role domain.SignalRole, seq int, price, size float64) domain.Signal {
	return domain.Signal{
		ID:          uuid.New().String(),
		EventID:     "evt-" + condID,
		ConditionID: condID,
		TokenID:     "tok-" + condID,
		Outcome:     "Lakers",
		Role:        role,
		DCASequence: seq,
		DCAGroupID:  "grp-" + condID,
		ReqPrice:    price,
		Size:        size,
		State:       domain.OrderPlaced,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestStore_UpsertPendingJob_Idempotent(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(time.Hour)

	first, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, start))
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	assert.Equal(t, domain.JobPending, first.Status)

	second, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, start))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same (condition, side) slot")

	// Same market, other side, is a distinct slot.
	hedge, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideHedge, start))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, hedge.ID)
}

func TestStore_UpsertPendingJob_PostponedEventMovesWindow(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(time.Hour)

	job, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, start))
	require.NoError(t, err)

	postponed := makeJob("0xaaa", domain.SideDirectional, start.Add(2*time.Hour))
	moved, err := db.UpsertPendingJob(ctx, postponed)
	require.NoError(t, err)
	assert.Equal(t, job.ID, moved.ID)
	assert.WithinDuration(t, postponed.EventStart, moved.EventStart, time.Second)
	assert.WithinDuration(t, postponed.ExecuteBefore, moved.ExecuteBefore, time.Second)
}

func TestStore_UpsertPendingJob_DoesNotTouchExecutedJob(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(time.Hour)

	job, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, start))
	require.NoError(t, err)
	ok, err := db.SwapJobStatus(ctx, job.ID, domain.JobPending, domain.JobExecuting, "")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = db.SwapJobStatus(ctx, job.ID, domain.JobExecuting, domain.JobExecuted, "entered")
	require.NoError(t, err)

	again, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, start.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, domain.JobExecuted, again.Status, "executed job must not be reopened")
	assert.WithinDuration(t, start, again.EventStart, time.Second, "window unchanged")
}

func TestStore_SwapJobStatus_CompareAndSwap(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	job, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	ok, err := db.SwapJobStatus(ctx, job.ID, domain.JobPending, domain.JobExecuting, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses the race: the row is no longer PENDING.
	ok, err = db.SwapJobStatus(ctx, job.ID, domain.JobPending, domain.JobExecuting, "")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobExecuting, got.Status)
}

func TestStore_SwapJobStatus_RejectsIllegalTransition(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	job, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	_, err = db.SwapJobStatus(ctx, job.ID, domain.JobPending, domain.JobExecuted, "")
	assert.Error(t, err, "PENDING -> EXECUTED skips the claim")
}

func TestStore_SwapJobStatus_EmptyReasonKeepsPrevious(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	job, err := db.UpsertPendingJob(ctx, makeJob("0xaaa", domain.SideDirectional, time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	_, err = db.SwapJobStatus(ctx, job.ID, domain.JobPending, domain.JobExecuting, "")
	require.NoError(t, err)
	_, err = db.SwapJobStatus(ctx, job.ID, domain.JobExecuting, domain.JobSkipped, "market_inactive")
	require.NoError(t, err)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "market_inactive", got.Reason)
}

func TestStore_JobsByStatus_OrderedByEventStart(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Inserted out of order on purpose.
	_, err := db.UpsertPendingJob(ctx, makeJob("0xlate", domain.SideDirectional, now.Add(3*time.Hour)))
	require.NoError(t, err)
	_, err = db.UpsertPendingJob(ctx, makeJob("0xearly", domain.SideDirectional, now.Add(1*time.Hour)))
	require.NoError(t, err)
	_, err = db.UpsertPendingJob(ctx, makeJob("0xmid", domain.SideDirectional, now.Add(2*time.Hour)))
	require.NoError(t, err)

	jobs, err := db.JobsByStatus(ctx, domain.JobPending)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "0xearly", jobs[0].ConditionID)
	assert.Equal(t, "0xmid", jobs[1].ConditionID)
	assert.Equal(t, "0xlate", jobs[2].ConditionID)
}

func TestStore_DispatchableJobs_WindowAndRetries(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inWindow, err := db.UpsertPendingJob(ctx, makeJob("0xin", domain.SideDirectional, now.Add(30*time.Minute)))
	require.NoError(t, err)
	_, err = db.UpsertPendingJob(ctx, makeJob("0xnotyet", domain.SideDirectional, now.Add(6*time.Hour)))
	require.NoError(t, err)
	_, err = db.UpsertPendingJob(ctx, makeJob("0xpast", domain.SideDirectional, now.Add(-time.Hour)))
	require.NoError(t, err)

	exhausted, err := db.UpsertPendingJob(ctx, makeJob("0xtired", domain.SideDirectional, now.Add(30*time.Minute)))
	require.NoError(t, err)
	exhausted.RetryCount = 3
	require.NoError(t, db.UpdateJob(ctx, exhausted))

	jobs, err := db.DispatchableJobs(ctx, now, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, inWindow.ID, jobs[0].ID)
}

func TestStore_SignalLifecycle(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	sig := makeSignal("0xaaa", domain.RoleDirectional, 1, 0.62, 25)
	require.NoError(t, db.SaveSignal(ctx, sig))

	open, err := db.OpenSignals(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, sig.ID, open[0].ID)

	filledAt := time.Now().UTC()
	require.NoError(t, db.UpdateSignalOrder(ctx, sig.ID, domain.OrderFilled, "ord-1", 0.60, &filledAt))

	open, err = db.OpenSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "filled signals are no longer open")

	got, err := db.SignalsByCondition(ctx, "0xaaa", domain.RoleDirectional)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderFilled, got[0].State)
	assert.Equal(t, "ord-1", got[0].OrderID)
	assert.InDelta(t, 0.60, got[0].FillPrice, 1e-9)
	assert.InDelta(t, 25.0/0.60, got[0].FilledShares(), 1e-6, "shares derived from size and fill price")
	require.NotNil(t, got[0].FilledAt)
	assert.WithinDuration(t, filledAt, *got[0].FilledAt, time.Second)
}

func TestStore_SignalsByGroup_OrderedBySequence(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	for _, seq := range []int{3, 1, 2} {
		require.NoError(t, db.SaveSignal(ctx, makeSignal("0xaaa", domain.RoleDirectional, seq, 0.62, 25)))
	}

	got, err := db.SignalsByGroup(ctx, "grp-0xaaa")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, i+1, s.DCASequence)
	}
}

func TestStore_SaveSignal_SecondWriterForSliceLosesRace(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	require.NoError(t, db.SaveSignal(ctx, makeSignal("0xaaa", domain.RoleDirectional, 2, 0.60, 25)))

	// Two overlapping ticks decided the same slice; the second insert loses.
	err := db.SaveSignal(ctx, makeSignal("0xaaa", domain.RoleDirectional, 2, 0.58, 25))
	require.ErrorIs(t, err, ports.ErrConflict)

	got, err := db.SignalsByGroup(ctx, "grp-0xaaa")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_SaveSignal_FailedSliceFreesTheSlot(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	first := makeSignal("0xaaa", domain.RoleDirectional, 2, 0.60, 25)
	require.NoError(t, db.SaveSignal(ctx, first))
	require.NoError(t, db.UpdateSignalOrder(ctx, first.ID, domain.OrderFailed, "", 0, nil))

	// A failed attempt does not hold the sequence; the retry goes through.
	require.NoError(t, db.SaveSignal(ctx, makeSignal("0xaaa", domain.RoleDirectional, 2, 0.60, 25)))

	got, err := db.SignalsByGroup(ctx, "grp-0xaaa")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_SaveMergeOperation_SinglePendingPerCondition(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	op := domain.MergeOperation{
		ID:           uuid.New().String(),
		ConditionID:  "0xaaa",
		MergedShares: 80,
		Status:       domain.MergePending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.SaveMergeOperation(ctx, op))

	second := op
	second.ID = uuid.New().String()
	require.ErrorIs(t, db.SaveMergeOperation(ctx, second), ports.ErrConflict)

	// Once the first operation reaches a final status the condition is free
	// for the next pair.
	executedAt := time.Now().UTC()
	op.Status = domain.MergeExecuted
	op.ExecutedAt = &executedAt
	require.NoError(t, db.FinishMergeOperation(ctx, op))
	require.NoError(t, db.SaveMergeOperation(ctx, second))

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestStore_MergeOperation_FinishIsOneShot(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	op := domain.MergeOperation{
		ID:           uuid.New().String(),
		ConditionID:  "0xaaa",
		DirShares:    100,
		HedgeShares:  80,
		MergedShares: 80,
		CombinedVWAP: 0.93,
		GrossProfit:  5.6,
		Status:       domain.MergePending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.SaveMergeOperation(ctx, op))

	executedAt := time.Now().UTC()
	op.Status = domain.MergeExecuted
	op.TxHash = "0xdeadbeef"
	op.GasCostUSD = 0.04
	op.NetProfit = 5.56
	op.ExecutedAt = &executedAt
	require.NoError(t, db.FinishMergeOperation(ctx, op))

	// Rows are immutable once they leave PENDING.
	op.Status = domain.MergeFailed
	assert.Error(t, db.FinishMergeOperation(ctx, op))

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.MergeExecuted, ops[0].Status)
	assert.Equal(t, "0xdeadbeef", ops[0].TxHash)
	assert.InDelta(t, 5.56, ops[0].NetProfit, 1e-9)
}

func TestStore_GroupLifecycle(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	g := domain.PositionGroup{
		ConditionID: "0xaaa",
		EventID:     "evt-0xaaa",
		EventStart:  now.Add(time.Hour),
		State:       domain.GroupPlanned,
		DMax:        100,
		PhaseTime:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.UpsertGroup(ctx, g))

	got, err := db.GetGroup(ctx, "0xaaa")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.GroupPlanned, got.State)

	g.State = domain.GroupAcquire
	g.Inventory = domain.Inventory{QDir: 40, QOpp: 10}
	g.MTarget = 100
	g.DTarget = 80
	require.NoError(t, db.UpsertGroup(ctx, g))

	active, err := db.ActiveGroups(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.InDelta(t, 30.0, active[0].Inventory.Imbalance(), 1e-9)

	// Terminal states drop out of the control loop.
	g.State = domain.GroupSafeStop
	require.NoError(t, db.UpsertGroup(ctx, g))
	active, err = db.ActiveGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	missing, err := db.GetGroup(ctx, "0xnope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_RiskSnapshotRoundTrip(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	none, err := db.LatestRiskSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	lockout := time.Now().UTC().Add(24 * time.Hour)
	snap := domain.RiskSnapshot{
		ComputedAt: time.Now().UTC(),
		DailyPnL:   -42.5,
		Inputs: domain.RiskInputs{
			DailyLossPct:      4.25,
			ConsecutiveLosses: 3,
			Balance:           1000,
			CalibrationDrift:  true,
		},
		Level:            domain.LevelOrange,
		SizingMultiplier: 0,
		LockoutUntil:     &lockout,
		Flags:            []string{"calibration_drift"},
		Reason:           "daily_loss_limit",
	}
	require.NoError(t, db.SaveRiskSnapshot(ctx, snap))

	got, err := db.LatestRiskSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.LevelOrange, got.Level)
	assert.InDelta(t, -42.5, got.DailyPnL, 1e-9)
	assert.True(t, got.Inputs.CalibrationDrift)
	assert.True(t, got.HasFlag("calibration_drift"))
	require.NotNil(t, got.LockoutUntil)
	assert.WithinDuration(t, lockout, *got.LockoutUntil, time.Second)
}

func TestStore_SettlementQueries(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pnls := []float64{10, -5, -8, 20}
	for i, p := range pnls {
		require.NoError(t, db.SaveSettlement(ctx, domain.Settlement{
			EventID:        "evt",
			ConditionID:    "0xaaa",
			WinningOutcome: "Lakers",
			PnL:            p,
			SettledAt:      now.Add(time.Duration(i-10) * time.Hour),
		}))
	}

	total, err := db.PnLSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 17.0, total, 1e-9)

	recent, err := db.RecentPnL(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.InDelta(t, 20.0, recent[0], 1e-9, "newest first")
	assert.InDelta(t, -8.0, recent[1], 1e-9)

	old, err := db.PnLSince(ctx, now.Add(-8*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 12.0, old, 1e-9)
}

func TestStore_BandOutcomes(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fill := func(condID, outcome string, price float64) {
		sig := makeSignal(condID, domain.RoleDirectional, 1, price, 25)
		sig.Outcome = outcome
		require.NoError(t, db.SaveSignal(ctx, sig))
		require.NoError(t, db.UpdateSignalOrder(ctx, sig.ID, domain.OrderFilled, "ord", price, &now))
	}

	fill("0xwin", "Lakers", 0.62)
	fill("0xloss", "Celtics", 0.64)
	fill("0xother", "Lakers", 0.30) // outside the band

	for _, cond := range []string{"0xwin", "0xloss", "0xother"} {
		require.NoError(t, db.SaveSettlement(ctx, domain.Settlement{
			EventID: "evt", ConditionID: cond, WinningOutcome: "Lakers",
			SettledAt: now,
		}))
	}

	wins, total, err := db.BandOutcomes(ctx, 0.60, 0.70)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, wins)
}

func TestStore_OpenExposure_ExcludesSettled(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := makeSignal("0xopen", domain.RoleDirectional, 1, 0.62, 25)
	require.NoError(t, db.SaveSignal(ctx, open))

	filled := makeSignal("0xfilled", domain.RoleDirectional, 1, 0.62, 40)
	require.NoError(t, db.SaveSignal(ctx, filled))
	require.NoError(t, db.UpdateSignalOrder(ctx, filled.ID, domain.OrderFilled, "ord", 0.62, &now))

	settled := makeSignal("0xsettled", domain.RoleDirectional, 1, 0.62, 100)
	require.NoError(t, db.SaveSignal(ctx, settled))
	require.NoError(t, db.SaveSettlement(ctx, domain.Settlement{
		EventID: "evt", ConditionID: "0xsettled", WinningOutcome: "Lakers", SettledAt: now,
	}))

	exposure, err := db.OpenExposure(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 65.0, exposure, 1e-9, "placed + filled, settled excluded")
}

func TestStore_GroupTransitionAudit(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	err := db.SaveGroupTransition(ctx, domain.GroupTransition{
		ConditionID: "0xaaa",
		FromState:   domain.GroupAcquire,
		ToState:     domain.GroupBalance,
		Reason:      "imbalance_exceeds_ceiling",
		QDir:        100,
		QOpp:        40,
		Imbalance:   60,
		Mergeable:   40,
		CeilingT:    20,
		At:          time.Now().UTC(),
	})
	assert.NoError(t, err)
}
