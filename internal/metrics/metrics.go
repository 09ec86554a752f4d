package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(value float64)
}

type Metrics struct {
	PriceUpdates    Counter
	PriceRejected   Counter
	PositionsOpened Counter
	PositionsClosed Counter
	Liquidations    Counter
	OpsRejected     Counter

	LongExposure  Gauge
	ShortExposure Gauge
	OpenPositions Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		PriceUpdates:    c,
		PriceRejected:   c,
		PositionsOpened: c,
		PositionsClosed: c,
		Liquidations:    c,
		OpsRejected:     c,
		LongExposure:    g,
		ShortExposure:   g,
		OpenPositions:   g,
	}
}
