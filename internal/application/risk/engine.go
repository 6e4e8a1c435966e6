package risk

// engine.go: graduated circuit breaker.
//
// The level ladder (GREEN < YELLOW < ORANGE < RED) is a pure function of a
// RiskInputs snapshot; everything stateful (the TTL cache, lockout carry,
// append-only snapshot history) lives around it. The engine never throws
// into the scheduler: an internal failure degrades to a smaller multiplier
// instead of blocking all trading on an observability bug.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

const (
	orangeLockout = 24 * time.Hour
	redLockout    = 72 * time.Hour

	// degradedMultiplier applies when the engine itself failed.
	degradedMultiplier = 0.25

	recentPnLWindow = 50

	FlagCalibrationDrift = "calibration_drift"
	FlagBalanceStale     = "balance_stale"
)

// Decision is the single consumer-facing answer.
type Decision struct {
	Allowed          bool
	Reason           string
	SizingMultiplier float64
	Level            domain.CircuitLevel
	Degraded         bool
}

// Engine computes and caches the current risk state.
type Engine struct {
	store     ports.RiskStore
	model     ports.CalibrationModel
	preflight ports.Preflight
	cfg       config.RiskConfig

	mu       sync.Mutex
	cached   *domain.RiskSnapshot
	cachedAt time.Time

	now func() time.Time
}

// New creates the risk engine. preflight may be nil; the last snapshot's
// balance is used instead, flagged stale.
func New(store ports.RiskStore, model ports.CalibrationModel, preflight ports.Preflight, cfg config.RiskConfig) *Engine {
	return &Engine{
		store:     store,
		model:     model,
		preflight: preflight,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Check is the consumer entry point. It never returns an error: internal
// failures produce a degraded-but-allowed decision with a reduced
// multiplier.
func (e *Engine) Check(ctx context.Context) Decision {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		slog.Warn("risk: engine degraded", "err", err)
		return Decision{
			Allowed:          true,
			Reason:           "risk_degraded",
			SizingMultiplier: degradedMultiplier,
			Level:            domain.LevelGreen,
			Degraded:         true,
		}
	}
	return Decision{
		Allowed:          snap.SizingMultiplier > 0,
		Reason:           snap.Reason,
		SizingMultiplier: snap.SizingMultiplier,
		Level:            snap.Level,
	}
}

// Snapshot returns the cached snapshot while it is fresh, recomputing
// otherwise. The cache is process-local; Invalidate drops it after any
// event that changes the inputs materially.
func (e *Engine) Snapshot(ctx context.Context) (domain.RiskSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ttl := time.Duration(e.cfg.CacheTTLSeconds) * time.Second
	if e.cached != nil && e.now().Sub(e.cachedAt) < ttl {
		return *e.cached, nil
	}

	snap, err := e.compute(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}

	if err := e.store.SaveRiskSnapshot(ctx, snap); err != nil {
		slog.Warn("risk: error persisting snapshot", "err", err)
	}
	e.cached = &snap
	e.cachedAt = e.now()
	return snap, nil
}

// Invalidate drops the cached snapshot. Call after settlements or anything
// else that moves the inputs.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cached = nil
	e.mu.Unlock()
}

func (e *Engine) compute(ctx context.Context) (domain.RiskSnapshot, error) {
	now := e.now().UTC()
	var flags []string

	prev, err := e.store.LatestRiskSnapshot(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk.compute: load previous snapshot: %w", err)
	}

	balance := 0.0
	if e.preflight != nil {
		if pf, err := e.preflight.Snapshot(ctx); err == nil {
			balance = pf.Balance
		}
	}
	if balance <= 0 && prev != nil {
		balance = prev.Inputs.Balance
		flags = append(flags, FlagBalanceStale)
	}

	dayStart := now.Truncate(24 * time.Hour)
	dailyPnL, err := e.store.PnLSince(ctx, dayStart)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk.compute: daily pnl: %w", err)
	}
	weeklyPnL, err := e.store.PnLSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk.compute: weekly pnl: %w", err)
	}

	recent, err := e.store.RecentPnL(ctx, recentPnLWindow)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk.compute: recent pnl: %w", err)
	}

	exposure, err := e.store.OpenExposure(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk.compute: open exposure: %w", err)
	}

	drift := e.detectDrift(ctx)
	if drift {
		flags = append(flags, FlagCalibrationDrift)
	}

	in := domain.RiskInputs{
		DailyLossPct:      lossPct(dailyPnL, balance),
		WeeklyLossPct:     lossPct(weeklyPnL, balance),
		ConsecutiveLosses: consecutiveLosses(recent),
		DrawdownPct:       drawdownPct(recent, balance),
		OpenExposure:      exposure,
		Balance:           balance,
		CalibrationDrift:  drift,
	}

	level, reason := EvaluateLevel(e.cfg, in)

	prevLevel := domain.LevelGreen
	var lockout *time.Time
	if prev != nil {
		prevLevel = prev.Level
		lockout = prev.LockoutUntil
	}

	switch {
	case level.Severity() > prevLevel.Severity() && level == domain.LevelOrange:
		t := now.Add(orangeLockout)
		lockout = &t
	case level.Severity() > prevLevel.Severity() && level == domain.LevelRed:
		t := now.Add(redLockout)
		lockout = &t
	case level.Severity() < prevLevel.Severity():
		lockout = nil
	}

	return domain.RiskSnapshot{
		ComputedAt:       now,
		DailyPnL:         dailyPnL,
		WeeklyPnL:        weeklyPnL,
		Inputs:           in,
		Level:            level,
		SizingMultiplier: Multiplier(level, prevLevel),
		LockoutUntil:     lockout,
		Flags:            flags,
		Reason:           reason,
	}, nil
}

// EvaluateLevel maps inputs to a circuit level. Pure: same inputs, same
// level and reason. Most severe rule wins.
func EvaluateLevel(cfg config.RiskConfig, in domain.RiskInputs) (domain.CircuitLevel, string) {
	switch {
	case in.WeeklyLossPct >= cfg.WeeklyLossLimitPct:
		return domain.LevelRed, "weekly_loss_limit"
	case in.DrawdownPct >= cfg.DrawdownLimitPct:
		return domain.LevelRed, "drawdown_limit"
	case in.DailyLossPct >= cfg.DailyLossLimitPct:
		return domain.LevelOrange, "daily_loss_limit"
	case in.CalibrationDrift:
		return domain.LevelOrange, FlagCalibrationDrift
	case in.DailyLossPct >= cfg.DailyLossLimitPct/2:
		return domain.LevelYellow, "daily_loss_warning"
	case in.ConsecutiveLosses >= cfg.ConsecutiveLosses:
		return domain.LevelYellow, "consecutive_losses"
	case in.Balance > 0 && in.OpenExposure >= in.Balance*cfg.ExposureFrac:
		return domain.LevelYellow, "exposure_high"
	}
	return domain.LevelGreen, "ok"
}

// Multiplier maps a level to the sizing multiplier. A YELLOW reached by
// stepping down from ORANGE or worse stays conservative at 0.25.
func Multiplier(level, prev domain.CircuitLevel) float64 {
	switch level {
	case domain.LevelGreen:
		return 1.0
	case domain.LevelYellow:
		if prev.Severity() >= domain.LevelOrange.Severity() {
			return 0.25
		}
		return 0.5
	}
	return 0.0
}

func lossPct(pnl, balance float64) float64 {
	if pnl >= 0 || balance <= 0 {
		return 0
	}
	return -pnl / balance * 100
}

// consecutiveLosses counts the run of losses at the head of the newest-first
// settled P&L series.
func consecutiveLosses(recentPnL []float64) int {
	n := 0
	for _, pnl := range recentPnL {
		if pnl >= 0 {
			break
		}
		n++
	}
	return n
}

// drawdownPct approximates the peak-to-trough drop of cumulative P&L over
// the recent window, as a percentage of balance.
func drawdownPct(recentPnL []float64, balance float64) float64 {
	if balance <= 0 || len(recentPnL) == 0 {
		return 0
	}
	// Oldest first for the cumulative walk.
	cum, peak, maxDD := 0.0, 0.0, 0.0
	for i := len(recentPnL) - 1; i >= 0; i-- {
		cum += recentPnL[i]
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD / balance * 100
}
