package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_ledger"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(value float64) {
	p.gauge.Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	priceUpdates := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "price_updates_total",
		Help:      "Total number of accepted oracle price updates.",
	})
	priceRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "price_updates_rejected_total",
		Help:      "Total number of rejected oracle price updates.",
	})
	positionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_opened_total",
		Help:      "Total number of positions opened.",
	})
	positionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of positions voluntarily closed.",
	})
	liquidations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "liquidations_total",
		Help:      "Total number of forced liquidations.",
	})
	opsRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "operations_rejected_total",
		Help:      "Total number of ledger operations rejected by business rules.",
	})
	longExposure := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "long_exposure",
		Help:      "Aggregate notional across open long positions.",
	})
	shortExposure := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "short_exposure",
		Help:      "Aggregate notional across open short positions.",
	})
	openPositions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "open_positions",
		Help:      "Number of currently open positions.",
	})

	registry.MustRegister(priceUpdates, priceRejected, positionsOpened, positionsClosed,
		liquidations, opsRejected, longExposure, shortExposure, openPositions)

	m := &Metrics{
		PriceUpdates:    promCounter{priceUpdates},
		PriceRejected:   promCounter{priceRejected},
		PositionsOpened: promCounter{positionsOpened},
		PositionsClosed: promCounter{positionsClosed},
		Liquidations:    promCounter{liquidations},
		OpsRejected:     promCounter{opsRejected},
		LongExposure:    promGauge{longExposure},
		ShortExposure:   promGauge{shortExposure},
		OpenPositions:   promGauge{openPositions},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
