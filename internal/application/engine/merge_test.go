package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/internal/adapters/storage"
	"github.com/alejandrodnm/matchbot/internal/application/engine"
	"github.com/alejandrodnm/matchbot/internal/application/risk"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedMergeableMarket builds a bothside position: dirShares at dirPrice and
// hedgeShares at hedgePrice, all filled an hour ago, with the paired jobs
// and an ACQUIRE group in place.
func seedMergeableMarket(t *testing.T, db *storage.Store, condID string, dirShares, dirPrice, hedgeShares, hedgePrice float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	start := now.Add(2 * time.Hour)
	filledAt := now.Add(-time.Hour)

	for _, side := range []domain.JobSide{domain.SideDirectional, domain.SideHedge} {
		_, err := db.UpsertPendingJob(ctx, domain.TradeJob{
			EventID: "evt-" + condID, ConditionID: condID,
			HomeLabel: "Lakers", AwayLabel: "Celtics", EventStart: start,
			ExecuteAfter: now.Add(-time.Hour), ExecuteBefore: start,
			Status: domain.JobPending, Side: side,
			BothsideGroupID: "pair-" + condID,
		})
		require.NoError(t, err)
	}

	seedFilledSignal(t, db, domain.Signal{
		ID: "sig-dir-" + condID, ConditionID: condID, TokenID: "tok-home-" + condID,
		Outcome: "Lakers", Role: domain.RoleDirectional, DCASequence: 1,
		BothsideGroupID: "pair-" + condID,
		ReqPrice:        dirPrice, Size: dirShares * dirPrice,
	}, dirPrice, filledAt)
	seedFilledSignal(t, db, domain.Signal{
		ID: "sig-hedge-" + condID, ConditionID: condID, TokenID: "tok-away-" + condID,
		Outcome: "Celtics", Role: domain.RoleHedge, DCASequence: 1,
		BothsideGroupID: "pair-" + condID,
		ReqPrice:        hedgePrice, Size: hedgeShares * hedgePrice,
	}, hedgePrice, filledAt)

	seedGroup(t, db, condID, domain.GroupAcquire, 200, start)
}

func newSettler(db *storage.Store, market *fakeMarket, merger *fakeMerger) *engine.MergeSettler {
	riskEngine := risk.New(db, &fakeModel{edge: 0.08}, nil, riskConfig())
	return engine.NewMergeSettler(paperConfig(), db, market, merger, riskEngine)
}

func TestMergeSettler_RedeemsMatchedPairs(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	// 100 vs 80 shares, combined VWAP 0.95: 80 sets redeem at 5c gross each.
	seedMergeableMarket(t, db, "0xaaa", 100, 0.55, 80, 0.40)
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.55, 0.40),
	}}
	merger := &fakeMerger{gasUSD: 0.04}

	ms := newSettler(db, market, merger)
	merges, net := ms.RunAll(ctx, time.Now().UTC())
	assert.Equal(t, 1, merges)
	assert.InDelta(t, 80*(1-0.95)-0.04, net, 0.01)

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, domain.MergeSimulated, op.Status, "paper mode never broadcasts")
	assert.InDelta(t, 80.0, op.MergedShares, 0.01)
	assert.InDelta(t, 20.0, op.RemainderShares, 0.01)
	assert.InDelta(t, 0.95, op.CombinedVWAP, 0.001)
	assert.Equal(t, "0xsim", op.TxHash)

	// The outcome is mirrored onto both paired jobs.
	for _, side := range []domain.JobSide{domain.SideDirectional, domain.SideHedge} {
		job, err := db.GetJobByKey(ctx, "0xaaa", side)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, domain.MergeSimulated, job.MergeStatus)
		assert.Equal(t, op.ID, job.MergeOperationID)
	}

	// A second pass finds nothing left: merged quantity never exceeds the
	// matched minimum.
	merges, _ = ms.RunAll(ctx, time.Now().UTC())
	assert.Zero(t, merges)
	ops, err = db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestMergeSettler_FillsThisTickWaitForNext(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	tickStart := time.Now().UTC().Add(-2 * time.Hour)

	// Everything filled after this tick started.
	seedMergeableMarket(t, db, "0xaaa", 100, 0.55, 80, 0.40)
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.55, 0.40),
	}}

	ms := newSettler(db, market, &fakeMerger{gasUSD: 0.04})
	merges, _ := ms.RunAll(ctx, tickStart)
	assert.Zero(t, merges, "a fill becomes mergeable next tick at the earliest")
}

func TestMergeSettler_UnprofitableAfterGasAbstains(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	// Combined 0.99: 80 sets × 1c = $0.80 gross, eaten by a $0.75 gas bill.
	seedMergeableMarket(t, db, "0xaaa", 100, 0.59, 80, 0.40)
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.59, 0.40),
	}}

	ms := newSettler(db, market, &fakeMerger{gasUSD: 0.75})
	merges, _ := ms.RunAll(ctx, time.Now().UTC())
	assert.Zero(t, merges)

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Empty(t, ops, "no operation recorded below the profit floor")
}

func TestMergeSettler_BelowMinSharesAbstains(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	seedMergeableMarket(t, db, "0xaaa", 100, 0.55, 5, 0.40) // matched 5 < 10
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.55, 0.40),
	}}

	ms := newSettler(db, market, &fakeMerger{gasUSD: 0.04})
	merges, _ := ms.RunAll(ctx, time.Now().UTC())
	assert.Zero(t, merges)
}

// staleOpsStore replays the interleaving where a competing tick commits its
// PENDING operation after this tick read the merge history: the history
// comes back empty while the insert still hits the real table.
type staleOpsStore struct {
	ports.Store
}

func (s staleOpsStore) MergeOpsByCondition(context.Context, string) ([]domain.MergeOperation, error) {
	return nil, nil
}

func TestMergeSettler_OverlappingTicksClaimPairOnce(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	seedMergeableMarket(t, db, "0xaaa", 100, 0.55, 80, 0.40)
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.55, 0.40),
	}}
	merger := &fakeMerger{gasUSD: 0.04}

	// The competing tick's claim is already on disk.
	claim := domain.MergeOperation{
		ID:              uuid.New().String(),
		ConditionID:     "0xaaa",
		BothsideGroupID: "pair-0xaaa",
		MergedShares:    80,
		Status:          domain.MergePending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, db.SaveMergeOperation(ctx, claim))

	riskEngine := risk.New(db, &fakeModel{edge: 0.08}, nil, riskConfig())
	ms := engine.NewMergeSettler(paperConfig(), staleOpsStore{db}, market, merger, riskEngine)

	merges, _ := ms.RunAll(ctx, time.Now().UTC())
	assert.Zero(t, merges)
	assert.Empty(t, merger.merged, "nothing is submitted on a lost claim")

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, ops, 1, "only the first claimant holds an operation")
	assert.Equal(t, claim.ID, ops[0].ID)
	assert.Equal(t, domain.MergePending, ops[0].Status)
}

func TestMergeSettler_FailedMergeIsRecordedAndRetriable(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	seedMergeableMarket(t, db, "0xaaa", 100, 0.55, 80, 0.40)
	market := &fakeMarket{quotes: map[string]domain.Quote{
		"0xaaa": activeQuote("0xaaa", 0.55, 0.40),
	}}
	merger := &fakeMerger{gasUSD: 0.04, fail: true}

	ms := newSettler(db, market, merger)
	merges, _ := ms.RunAll(ctx, time.Now().UTC())
	assert.Zero(t, merges)

	ops, err := db.MergeOpsByCondition(ctx, "0xaaa")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.MergeFailed, ops[0].Status)
	assert.Equal(t, "reverted", ops[0].Reason)

	// Failed shares were not consumed: the next pass tries again.
	merger.fail = false
	merges, _ = ms.RunAll(ctx, time.Now().UTC())
	assert.Equal(t, 1, merges)
}
