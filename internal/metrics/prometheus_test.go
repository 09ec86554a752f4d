package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusRegistersAllSeries(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PriceUpdates.Inc()
	prom.Metrics.PriceRejected.Inc()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.Liquidations.Inc()
	prom.Metrics.OpsRejected.Inc()
	prom.Metrics.LongExposure.Set(9_990_000)
	prom.Metrics.ShortExposure.Set(124_875)
	prom.Metrics.OpenPositions.Set(2)

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"perp_ledger_price_updates_total 1",
		"perp_ledger_price_updates_rejected_total 1",
		"perp_ledger_positions_opened_total 1",
		"perp_ledger_positions_closed_total 1",
		"perp_ledger_liquidations_total 1",
		"perp_ledger_operations_rejected_total 1",
		"perp_ledger_long_exposure 9.99e+06",
		"perp_ledger_short_exposure 124875",
		"perp_ledger_open_positions 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
