package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full trader configuration.
type Config struct {
	Trading TradingConfig `yaml:"trading"`
	DCA     DCAConfig     `yaml:"dca"`
	Hedge   HedgeConfig   `yaml:"hedge"`
	Merge   MergeConfig   `yaml:"merge"`
	Group   GroupConfig   `yaml:"group"`
	Risk    RiskConfig    `yaml:"risk"`
	Sizing  SizingConfig  `yaml:"sizing"`
	API     APIConfig     `yaml:"api"`
	Chain   ChainConfig   `yaml:"chain"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// TradingConfig controls the tick loop and initial entries.
type TradingConfig struct {
	Mode              string  `yaml:"mode"` // paper | live
	TickSeconds       int     `yaml:"tick_seconds"`
	WindowLeadMinutes int     `yaml:"window_lead_minutes"` // window opens event_start − lead
	MaxOrdersPerTick  int     `yaml:"max_orders_per_tick"`
	MaxRetries        int     `yaml:"max_retries"`
	MinEV             float64 `yaml:"min_ev"` // per-share EV threshold to enter
	Bothside          bool    `yaml:"bothside"`
	MinBalance        float64 `yaml:"min_balance"`
	MaxDailyOrders    int     `yaml:"max_daily_orders"`
	MaxDailyExposure  float64 `yaml:"max_daily_exposure"`
}

// DCAConfig controls position accumulation.
type DCAConfig struct {
	MaxEntries         int     `yaml:"max_entries"`
	MinIntervalMinutes int     `yaml:"min_interval_minutes"`
	CutoffMinutes      int     `yaml:"cutoff_minutes"`  // stop accumulating this close to start
	MaxSpreadAbs       float64 `yaml:"max_spread_abs"`  // abstain if price moved this far from entry
	UnfavorablePct     float64 `yaml:"unfavorable_pct"` // defer scheduled buy above entry×(1+pct)
	DiscountPct        float64 `yaml:"discount_pct"`    // buy early at or below entry×(1−pct)
}

// HedgeConfig controls the offsetting leg.
type HedgeConfig struct {
	DelayMinutes    int     `yaml:"delay_minutes"` // hedge eligible this long after the directional entry
	CombinedCeiling float64 `yaml:"combined_ceiling"` // dir VWAP + hedge price must stay below
	LegCeiling      float64 `yaml:"leg_ceiling"`      // hedge price alone must stay below
	KellyMult       float64 `yaml:"kelly_mult"`
	AdjustMin       float64 `yaml:"adjust_min"` // clamp on the game-analysis adjustment
	AdjustMax       float64 `yaml:"adjust_max"`
}

// MergeConfig controls settlement of matched pairs.
type MergeConfig struct {
	MinShares    float64 `yaml:"min_shares"`     // do not merge below this matched quantity
	MinNetProfit float64 `yaml:"min_net_profit"` // after gas
}

// GroupConfig controls the position-group control loop.
type GroupConfig struct {
	DMax              float64 `yaml:"d_max"` // static imbalance ceiling in shares
	DecayStartMinutes int     `yaml:"decay_start_minutes"`
	FloorRatio        float64 `yaml:"floor_ratio"`
	CutoffMinutes     int     `yaml:"cutoff_minutes"` // no new risk this close to start
	Epsilon           float64 `yaml:"epsilon"`        // close-out tolerance in shares
	StopSeverity      string  `yaml:"stop_severity"`  // circuit level forcing SAFE_STOP
	StopOnRiskFailure bool    `yaml:"stop_on_risk_failure"`
}

// RiskConfig controls the circuit breaker.
type RiskConfig struct {
	DailyLossLimitPct  float64 `yaml:"daily_loss_limit_pct"`
	WeeklyLossLimitPct float64 `yaml:"weekly_loss_limit_pct"`
	DrawdownLimitPct   float64 `yaml:"drawdown_limit_pct"`
	ConsecutiveLosses  int     `yaml:"consecutive_losses"`
	ExposureFrac       float64 `yaml:"exposure_frac"` // of balance, YELLOW trigger
	CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
	DriftMinSamples    int     `yaml:"drift_min_samples"`
	DriftZThreshold    float64 `yaml:"drift_z_threshold"`
}

// SizingConfig controls the three-layer position sizer.
type SizingConfig struct {
	RiskPct        float64 `yaml:"risk_pct"`  // of balance, capital cap
	HardCap        float64 `yaml:"hard_cap"`  // USDC per position
	FillPct        float64 `yaml:"fill_pct"`  // of available depth we expect to take
	PriceTolerance float64 `yaml:"price_tolerance"`
	MaxSpread      float64 `yaml:"max_spread"` // beyond this, size 0 + deferred retry
}

// APIConfig holds the CLOB endpoints.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
	WSBase    string `yaml:"ws_base"`
}

// ChainConfig holds the Polygon RPC endpoint. The signing key comes from
// the environment only, never from YAML.
type ChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite path, or ":memory:"
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls the log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML config and the .env file if present. Env values
// override YAML for the keys that map to them.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if cfg.Trading.Mode != "paper" && cfg.Trading.Mode != "live" {
		return nil, fmt.Errorf("config.Load: invalid trading.mode %q", cfg.Trading.Mode)
	}
	return &cfg, nil
}

// TickInterval returns the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Trading.TickSeconds) * time.Second
}

// WindowLead returns how long before event start the execution window opens.
func (c *Config) WindowLead() time.Duration {
	return time.Duration(c.Trading.WindowLeadMinutes) * time.Minute
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "paper"
	}
	if cfg.Trading.TickSeconds <= 0 {
		cfg.Trading.TickSeconds = 180
	}
	if cfg.Trading.WindowLeadMinutes <= 0 {
		cfg.Trading.WindowLeadMinutes = 120
	}
	if cfg.Trading.MaxOrdersPerTick <= 0 {
		cfg.Trading.MaxOrdersPerTick = 5
	}
	if cfg.Trading.MaxRetries <= 0 {
		cfg.Trading.MaxRetries = 3
	}
	if cfg.Trading.MinEV <= 0 {
		cfg.Trading.MinEV = 0.02
	}
	if cfg.Trading.MinBalance <= 0 {
		cfg.Trading.MinBalance = 10
	}
	if cfg.Trading.MaxDailyOrders <= 0 {
		cfg.Trading.MaxDailyOrders = 50
	}
	if cfg.Trading.MaxDailyExposure <= 0 {
		cfg.Trading.MaxDailyExposure = 500
	}

	if cfg.DCA.MaxEntries <= 0 {
		cfg.DCA.MaxEntries = 3
	}
	if cfg.DCA.MinIntervalMinutes <= 0 {
		cfg.DCA.MinIntervalMinutes = 2
	}
	if cfg.DCA.CutoffMinutes <= 0 {
		cfg.DCA.CutoffMinutes = 10
	}
	if cfg.DCA.MaxSpreadAbs <= 0 {
		cfg.DCA.MaxSpreadAbs = 0.10
	}
	if cfg.DCA.UnfavorablePct <= 0 {
		cfg.DCA.UnfavorablePct = 0.05
	}
	if cfg.DCA.DiscountPct < 0 {
		cfg.DCA.DiscountPct = 0
	}

	if cfg.Hedge.DelayMinutes <= 0 {
		cfg.Hedge.DelayMinutes = 5
	}
	if cfg.Hedge.CombinedCeiling <= 0 {
		cfg.Hedge.CombinedCeiling = 0.97
	}
	if cfg.Hedge.LegCeiling <= 0 {
		cfg.Hedge.LegCeiling = 0.55
	}
	if cfg.Hedge.KellyMult <= 0 {
		cfg.Hedge.KellyMult = 0.5
	}
	if cfg.Hedge.AdjustMin <= 0 {
		cfg.Hedge.AdjustMin = 0.5
	}
	if cfg.Hedge.AdjustMax <= 0 {
		cfg.Hedge.AdjustMax = 1.5
	}

	if cfg.Merge.MinShares <= 0 {
		cfg.Merge.MinShares = 5
	}
	if cfg.Merge.MinNetProfit <= 0 {
		cfg.Merge.MinNetProfit = 0.05
	}

	if cfg.Group.DMax <= 0 {
		cfg.Group.DMax = 100
	}
	if cfg.Group.DecayStartMinutes <= 0 {
		cfg.Group.DecayStartMinutes = 60
	}
	if cfg.Group.FloorRatio <= 0 {
		cfg.Group.FloorRatio = 0.25
	}
	if cfg.Group.CutoffMinutes <= 0 {
		cfg.Group.CutoffMinutes = 15
	}
	if cfg.Group.Epsilon <= 0 {
		cfg.Group.Epsilon = 1
	}
	if cfg.Group.StopSeverity == "" {
		cfg.Group.StopSeverity = "ORANGE"
	}

	if cfg.Risk.DailyLossLimitPct <= 0 {
		cfg.Risk.DailyLossLimitPct = 3
	}
	if cfg.Risk.WeeklyLossLimitPct <= 0 {
		cfg.Risk.WeeklyLossLimitPct = 5
	}
	if cfg.Risk.DrawdownLimitPct <= 0 {
		cfg.Risk.DrawdownLimitPct = 10
	}
	if cfg.Risk.ConsecutiveLosses <= 0 {
		cfg.Risk.ConsecutiveLosses = 4
	}
	if cfg.Risk.ExposureFrac <= 0 {
		cfg.Risk.ExposureFrac = 0.5
	}
	if cfg.Risk.CacheTTLSeconds <= 0 {
		cfg.Risk.CacheTTLSeconds = 60
	}
	if cfg.Risk.DriftMinSamples <= 0 {
		cfg.Risk.DriftMinSamples = 30
	}
	if cfg.Risk.DriftZThreshold <= 0 {
		cfg.Risk.DriftZThreshold = 2.0
	}

	if cfg.Sizing.RiskPct <= 0 {
		cfg.Sizing.RiskPct = 0.02
	}
	if cfg.Sizing.HardCap <= 0 {
		cfg.Sizing.HardCap = 100
	}
	if cfg.Sizing.FillPct <= 0 {
		cfg.Sizing.FillPct = 0.25
	}
	if cfg.Sizing.PriceTolerance <= 0 {
		cfg.Sizing.PriceTolerance = 0.02
	}
	if cfg.Sizing.MaxSpread <= 0 {
		cfg.Sizing.MaxSpread = 0.08
	}

	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = "wss://ws-subscriptions-clob.polymarket.com/ws"
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "matchbot.db"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
