package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/internal/adapters/storage"
	"github.com/alejandrodnm/matchbot/internal/application/engine"
	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedLegShares records one filled signal per leg so the group inventory
// derives the given share counts.
func seedLegShares(t *testing.T, db *storage.Store, condID string, dirShares, oppShares float64) {
	t.Helper()
	at := time.Now().UTC().Add(-time.Hour)
	if dirShares > 0 {
		seedFilledSignal(t, db, domain.Signal{
			ID: "sig-dir-" + condID, ConditionID: condID, TokenID: "tok-home-" + condID,
			Outcome: "Lakers", Role: domain.RoleDirectional, DCASequence: 1,
			ReqPrice: 0.5, Size: dirShares * 0.5,
		}, 0.5, at)
	}
	if oppShares > 0 {
		seedFilledSignal(t, db, domain.Signal{
			ID: "sig-opp-" + condID, ConditionID: condID, TokenID: "tok-away-" + condID,
			Outcome: "Celtics", Role: domain.RoleHedge, DCASequence: 1,
			ReqPrice: 0.5, Size: oppShares * 0.5,
		}, 0.5, at)
	}
}

func seedGroup(t *testing.T, db *storage.Store, condID string, state domain.GroupState, dMax float64, start time.Time) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.UpsertGroup(context.Background(), domain.PositionGroup{
		ConditionID: condID,
		EventID:     "evt-" + condID,
		EventStart:  start,
		State:       state,
		DMax:        dMax,
		PhaseTime:   now,
		UpdatedAt:   now,
	}))
}

func TestGroupManager_ImbalanceForcesBalance(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	// 100 directional vs 40 opposite: imbalance 60 over a 20-share ceiling.
	// Far from the event, so the ceiling is still the full d_max.
	start := time.Now().UTC().Add(3 * time.Hour)
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, start)
	seedLegShares(t, db, "0xaaa", 100, 40)

	groups, err := gm.RunAll(ctx, time.Now().UTC(), greenDecision())
	require.NoError(t, err)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, domain.GroupBalance, g.State)
	assert.InDelta(t, 100.0, g.Inventory.QDir, 0.01)
	assert.InDelta(t, 40.0, g.Inventory.QOpp, 0.01)
	assert.InDelta(t, 60.0, g.Inventory.Imbalance(), 0.01)
	assert.InDelta(t, 20.0, g.DTarget, 0.01, "full ceiling before decay")
}

func TestGroupManager_BalanceAllowsOnlyImbalanceReducingBuys(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	start := time.Now().UTC().Add(3 * time.Hour)
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, start)
	seedLegShares(t, db, "0xaaa", 100, 40)
	_, err := gm.RunAll(ctx, time.Now().UTC(), greenDecision())
	require.NoError(t, err)

	// Directional adds are frozen; the opposite leg may buy up to the
	// imbalance.
	dirUSDC, ok := gm.Allowance(ctx, "0xaaa", domain.SideDirectional, 0.5)
	assert.True(t, ok)
	assert.Zero(t, dirUSDC)

	oppUSDC, ok := gm.Allowance(ctx, "0xaaa", domain.SideHedge, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 30.0, oppUSDC, 0.01, "60 shares at 0.5")

	// A market without a group has no cap.
	_, ok = gm.Allowance(ctx, "0xunknown", domain.SideDirectional, 0.5)
	assert.False(t, ok)
}

func TestGroupManager_MergeableInventoryEntersMergeLoop(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	start := time.Now().UTC().Add(3 * time.Hour)
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, start)
	seedLegShares(t, db, "0xaaa", 50, 45) // imbalance 5, mergeable 45 >= 10

	groups, err := gm.RunAll(ctx, time.Now().UTC(), greenDecision())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupMergeLoop, groups[0].State)
	assert.InDelta(t, 45.0, groups[0].Inventory.Mergeable(), 0.01)
}

func TestGroupManager_CutoffThenExitThenClosed(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)
	now := time.Now().UTC()

	// Inside the 10 minute cutoff: residual hold, no new risk.
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, now.Add(5*time.Minute))
	groups, err := gm.RunAll(ctx, now, greenDecision())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupResidualHold, groups[0].State)

	// Event started: exit.
	groups, err = gm.RunAll(ctx, now.Add(6*time.Minute), greenDecision())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupExit, groups[0].State)

	// Flat inventory closes the group out.
	groups, err = gm.RunAll(ctx, now.Add(7*time.Minute), greenDecision())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupClosed, groups[0].State)

	// CLOSED leaves the control loop.
	groups, err = gm.RunAll(ctx, now.Add(8*time.Minute), greenDecision())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestGroupManager_RiskStopOverridesEverything(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	start := time.Now().UTC().Add(3 * time.Hour)
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, start)
	seedLegShares(t, db, "0xaaa", 50, 45)

	orange := risk.Decision{
		Allowed: false, Reason: "daily_loss_limit",
		SizingMultiplier: 0, Level: domain.LevelOrange,
	}
	groups, err := gm.RunAll(ctx, time.Now().UTC(), orange)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupSafeStop, groups[0].State)

	// SAFE_STOP is sticky: a green tick later does not revive it.
	groups, err = gm.RunAll(ctx, time.Now().UTC(), greenDecision())
	require.NoError(t, err)
	assert.Empty(t, groups)

	// And nothing may buy into a stopped group.
	usdc, ok := gm.Allowance(ctx, "0xaaa", domain.SideHedge, 0.5)
	assert.True(t, ok)
	assert.Zero(t, usdc)
}

func TestGroupManager_DegradedRiskStops(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, time.Now().UTC().Add(3*time.Hour))

	degraded := risk.Decision{
		Allowed: true, Reason: "risk_degraded",
		SizingMultiplier: 0.25, Level: domain.LevelGreen, Degraded: true,
	}
	groups, err := gm.RunAll(ctx, time.Now().UTC(), degraded)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.GroupSafeStop, groups[0].State, "stop_on_risk_failure is set")
}

func TestGroupManager_TargetsScaleWithRiskMultiplier(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	gm := engine.NewGroupManager(paperConfig(), db)

	start := time.Now().UTC().Add(3 * time.Hour)
	seedGroup(t, db, "0xaaa", domain.GroupAcquire, 20, start)

	yellow := risk.Decision{
		Allowed: true, Reason: "daily_loss_warning",
		SizingMultiplier: 0.5, Level: domain.LevelYellow,
	}
	groups, err := gm.RunAll(ctx, time.Now().UTC(), yellow)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.InDelta(t, 10.0, groups[0].MTarget, 0.01)
	assert.InDelta(t, 10.0, groups[0].DTarget, 0.01)
}

func TestDecayedCeiling(t *testing.T) {
	start := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)
	decay := 60 * time.Minute

	// Before the decay window: full ceiling.
	assert.InDelta(t, 100.0,
		domain.DecayedCeiling(100, start, start.Add(-2*time.Hour), decay, 0.25), 1e-9)
	// Halfway through: linear midpoint between d_max and the floor.
	assert.InDelta(t, 62.5,
		domain.DecayedCeiling(100, start, start.Add(-30*time.Minute), decay, 0.25), 1e-9)
	// At and after start: pinned to the floor.
	assert.InDelta(t, 25.0,
		domain.DecayedCeiling(100, start, start, decay, 0.25), 1e-9)
	assert.InDelta(t, 25.0,
		domain.DecayedCeiling(100, start, start.Add(time.Hour), decay, 0.25), 1e-9)
}
