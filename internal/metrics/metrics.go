package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotgrid"

// Metrics owns a private registry so tests and multiple runners never clash.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	OrdersPlaced  *prometheus.CounterVec
	Fills         *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	NodesByMode   *prometheus.GaugeVec
	LastPrice     prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	LastCycleUnix prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one reconciliation cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Limit orders accepted by the venue.",
		}, []string{"side"}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Orders observed filled.",
		}, []string{"side"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Reconciliation events by kind.",
		}, []string{"kind"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried venue calls by operation.",
		}, []string{"op"}),
		NodesByMode: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Grid nodes per lifecycle mode.",
		}, []string{"mode"}),
		LastPrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Last observed ticker price.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_quote",
			Help:      "Quote asset profit from completed round trips since start.",
		}),
		LastCycleUnix: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished cycle.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCycle(result string, took time.Duration, at time.Time) {
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(took.Seconds())
	m.LastCycleUnix.Set(float64(at.Unix()))
}

func (m *Metrics) SetNodeModes(counts map[string]int) {
	for mode, n := range counts {
		m.NodesByMode.WithLabelValues(mode).Set(float64(n))
	}
}

// RetryHook plugs into retry.Policy.OnRetry.
func (m *Metrics) RetryHook(op string, _ int, _ error) {
	m.Retries.WithLabelValues(op).Inc()
}
