package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRiskStore struct {
	snapshots []domain.RiskSnapshot
	dailyPnL  float64
	weeklyPnL float64
	recent    []float64
	exposure  float64
	bandWins  int
	bandTotal int
	failAll   bool
}

func (f *fakeRiskStore) SaveRiskSnapshot(_ context.Context, s domain.RiskSnapshot) error {
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeRiskStore) LatestRiskSnapshot(_ context.Context) (*domain.RiskSnapshot, error) {
	if f.failAll {
		return nil, errors.New("store down")
	}
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	s := f.snapshots[len(f.snapshots)-1]
	return &s, nil
}

func (f *fakeRiskStore) SaveSettlement(context.Context, domain.Settlement) error { return nil }

func (f *fakeRiskStore) HasSettlement(context.Context, string) (bool, error) { return false, nil }

func (f *fakeRiskStore) PnLSince(_ context.Context, since time.Time) (float64, error) {
	if time.Since(since) > 48*time.Hour {
		return f.weeklyPnL, nil
	}
	return f.dailyPnL, nil
}

func (f *fakeRiskStore) RecentPnL(context.Context, int) ([]float64, error) {
	return f.recent, nil
}

func (f *fakeRiskStore) BandOutcomes(context.Context, float64, float64) (int, int, error) {
	return f.bandWins, f.bandTotal, nil
}

func (f *fakeRiskStore) OpenExposure(context.Context) (float64, error) {
	return f.exposure, nil
}

type fakeModel struct{ rate float64 }

func (f fakeModel) WinRate(float64) (float64, error) { return f.rate, nil }

func (f fakeModel) Band(p float64) (float64, float64, error) { return p - 0.05, p + 0.05, nil }

type fakeBalance struct{ balance float64 }

func (f fakeBalance) Snapshot(context.Context) (ports.PreflightSnapshot, error) {
	return ports.PreflightSnapshot{Balance: f.balance}, nil
}

func riskCfg() config.RiskConfig {
	return config.RiskConfig{
		DailyLossLimitPct:  3,
		WeeklyLossLimitPct: 5,
		DrawdownLimitPct:   10,
		ConsecutiveLosses:  4,
		ExposureFrac:       0.5,
		CacheTTLSeconds:    60,
		DriftMinSamples:    30,
		DriftZThreshold:    2.0,
	}
}

func TestEvaluateLevel_Ladder(t *testing.T) {
	cfg := riskCfg()
	cases := []struct {
		name   string
		in     domain.RiskInputs
		level  domain.CircuitLevel
		reason string
	}{
		{"clean", domain.RiskInputs{Balance: 1000}, domain.LevelGreen, "ok"},
		{"weekly limit", domain.RiskInputs{WeeklyLossPct: 6, Balance: 1000}, domain.LevelRed, "weekly_loss_limit"},
		{"drawdown", domain.RiskInputs{DrawdownPct: 12, Balance: 1000}, domain.LevelRed, "drawdown_limit"},
		{"daily limit", domain.RiskInputs{DailyLossPct: 3.5, Balance: 1000}, domain.LevelOrange, "daily_loss_limit"},
		{"drift", domain.RiskInputs{CalibrationDrift: true, Balance: 1000}, domain.LevelOrange, "calibration_drift"},
		{"half daily", domain.RiskInputs{DailyLossPct: 1.6, Balance: 1000}, domain.LevelYellow, "daily_loss_warning"},
		{"streak", domain.RiskInputs{ConsecutiveLosses: 4, Balance: 1000}, domain.LevelYellow, "consecutive_losses"},
		{"exposure", domain.RiskInputs{OpenExposure: 600, Balance: 1000}, domain.LevelYellow, "exposure_high"},
		// Severity order: RED beats ORANGE beats YELLOW.
		{"red wins", domain.RiskInputs{WeeklyLossPct: 9, DailyLossPct: 4, CalibrationDrift: true, Balance: 1000}, domain.LevelRed, "weekly_loss_limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			level, reason := EvaluateLevel(cfg, tc.in)
			assert.Equal(t, tc.level, level)
			assert.Equal(t, tc.reason, reason)
			// Pure: evaluating twice yields the same answer.
			again, _ := EvaluateLevel(cfg, tc.in)
			assert.Equal(t, level, again)
		})
	}
}

func TestMultiplier_ConservativeStepDown(t *testing.T) {
	assert.Equal(t, 1.0, Multiplier(domain.LevelGreen, domain.LevelGreen))
	assert.Equal(t, 0.5, Multiplier(domain.LevelYellow, domain.LevelGreen))
	assert.Equal(t, 0.25, Multiplier(domain.LevelYellow, domain.LevelOrange))
	assert.Equal(t, 0.25, Multiplier(domain.LevelYellow, domain.LevelRed))
	assert.Equal(t, 0.0, Multiplier(domain.LevelOrange, domain.LevelGreen))
	assert.Equal(t, 0.0, Multiplier(domain.LevelRed, domain.LevelRed))
}

func TestCheck_WeeklyLossTripsRedWith72hLockout(t *testing.T) {
	store := &fakeRiskStore{weeklyPnL: -60} // 6% of 1000
	eng := New(store, fakeModel{rate: 0.5}, fakeBalance{balance: 1000}, riskCfg())

	d := eng.Check(context.Background())
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.LevelRed, d.Level)
	assert.Equal(t, 0.0, d.SizingMultiplier)
	assert.Equal(t, "weekly_loss_limit", d.Reason)

	require.NotEmpty(t, store.snapshots)
	snap := store.snapshots[len(store.snapshots)-1]
	require.NotNil(t, snap.LockoutUntil)
	assert.InDelta(t, 72*time.Hour.Hours(), snap.LockoutUntil.Sub(snap.ComputedAt).Hours(), 0.01)
}

func TestCheck_DegradedOnStoreFailure(t *testing.T) {
	store := &fakeRiskStore{failAll: true}
	eng := New(store, fakeModel{rate: 0.5}, fakeBalance{balance: 1000}, riskCfg())

	d := eng.Check(context.Background())
	assert.True(t, d.Allowed, "risk failure must not block trading")
	assert.True(t, d.Degraded)
	assert.Equal(t, "risk_degraded", d.Reason)
	assert.Equal(t, degradedMultiplier, d.SizingMultiplier)
}

func TestSnapshot_CachedUntilInvalidated(t *testing.T) {
	store := &fakeRiskStore{}
	eng := New(store, fakeModel{rate: 0.5}, fakeBalance{balance: 1000}, riskCfg())
	ctx := context.Background()

	_, err := eng.Snapshot(ctx)
	require.NoError(t, err)
	_, err = eng.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, store.snapshots, 1, "second call within TTL must hit the cache")

	eng.Invalidate()
	_, err = eng.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, store.snapshots, 2)
}

func TestDetectDrift_ZScore(t *testing.T) {
	// 150 samples at 20% realized vs 50% expected is far past z=2.
	store := &fakeRiskStore{bandWins: 30, bandTotal: 150}
	eng := New(store, fakeModel{rate: 0.5}, fakeBalance{balance: 1000}, riskCfg())
	assert.True(t, eng.detectDrift(context.Background()))

	// Below the minimum sample size the same ratio is ignored.
	store.bandTotal = 10
	store.bandWins = 2
	assert.False(t, eng.detectDrift(context.Background()))
}

func TestConsecutiveLossesAndDrawdown(t *testing.T) {
	assert.Equal(t, 3, consecutiveLosses([]float64{-1, -2, -3, 5, -1}))
	assert.Equal(t, 0, consecutiveLosses([]float64{2, -1}))

	// Oldest→newest: +10, −5, −10 → peak 10, trough −5, drawdown 15.
	dd := drawdownPct([]float64{-10, -5, 10}, 100)
	assert.InDelta(t, 15.0, dd, 1e-9)
}
