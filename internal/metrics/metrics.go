package metrics

// Prometheus recorder for the tick loop. Implements engine.Recorder.

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// Recorder exposes tick-loop counters on its own registry so tests can
// instantiate it without global-registration collisions.
type Recorder struct {
	registry *prometheus.Registry

	ticksTotal     prometheus.Counter
	tickDuration   prometheus.Histogram
	jobsDispatched prometheus.Counter
	jobsRecovered  prometheus.Counter
	jobsExpired    prometheus.Counter
	ordersPlaced   prometheus.Counter
	dcaBuys        prometheus.Counter
	hedgesOpened   prometheus.Counter
	mergesTotal    prometheus.Counter
	mergeProfitUSD prometheus.Counter
	riskLevel      prometheus.Gauge
	groupsByState  *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_ticks_total",
			Help: "Scheduler ticks completed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchbot_tick_duration_seconds",
			Help:    "Wall time of one full tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_jobs_dispatched_total",
			Help: "Jobs handed to an executor.",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_jobs_recovered_total",
			Help: "Jobs found stranded in EXECUTING and recovered.",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_jobs_expired_total",
			Help: "Jobs whose execution window closed unused.",
		}),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_orders_placed_total",
			Help: "Initial entries placed (live or paper).",
		}),
		dcaBuys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_dca_buys_total",
			Help: "Accumulation slices bought.",
		}),
		hedgesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_hedges_opened_total",
			Help: "Offsetting legs opened.",
		}),
		mergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_merges_total",
			Help: "Merge operations completed.",
		}),
		mergeProfitUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchbot_merge_profit_usd_total",
			Help: "Net USDC realized by merging, after gas.",
		}),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchbot_risk_level",
			Help: "Circuit level: 0 green, 1 yellow, 2 orange, 3 red.",
		}),
		groupsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matchbot_position_groups",
			Help: "Active position groups by state.",
		}, []string{"state"}),
	}

	r.registry.MustRegister(
		r.ticksTotal, r.tickDuration,
		r.jobsDispatched, r.jobsRecovered, r.jobsExpired,
		r.ordersPlaced, r.dcaBuys, r.hedgesOpened,
		r.mergesTotal, r.mergeProfitUSD,
		r.riskLevel, r.groupsByState,
	)
	return r
}

// ObserveTick folds one tick summary into the metrics.
func (r *Recorder) ObserveTick(s domain.TickSummary) {
	r.ticksTotal.Inc()
	r.tickDuration.Observe(s.Duration.Seconds())
	r.jobsDispatched.Add(float64(s.JobsDispatched))
	r.jobsRecovered.Add(float64(s.JobsRecovered))
	r.jobsExpired.Add(float64(s.JobsExpired))
	r.ordersPlaced.Add(float64(s.OrdersPlaced))
	r.dcaBuys.Add(float64(s.DCABuys))
	r.hedgesOpened.Add(float64(s.HedgesOpened))
	r.mergesTotal.Add(float64(s.Merges))
	if s.MergeNetProfit > 0 {
		r.mergeProfitUSD.Add(s.MergeNetProfit)
	}
	r.riskLevel.Set(float64(s.RiskLevel.Severity()))

	r.groupsByState.Reset()
	for _, g := range s.Groups {
		r.groupsByState.WithLabelValues(string(g.State)).Inc()
	}
}
