package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue returns the value of the counter series matching labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue series
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("settlement:cascade").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("settlement:cascade").End(boom), boom)

	require.Equal(t, 1.0, counterValue(t, reg, "settlement_jobs_total", map[string]string{"job": "settlement:cascade", "status": "success"}))
	require.Equal(t, 1.0, counterValue(t, reg, "settlement_jobs_total", map[string]string{"job": "settlement:cascade", "status": "failure"}))
	require.Equal(t, 1.0, counterValue(t, reg, "settlement_jobs_failures_total", map[string]string{"job": "settlement:cascade"}))
}

func TestCountersIgnoreEmptyAdds(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AddFindings("bill", 0)
	m.AddFindings("bill", 2)
	m.AddRefreshed("updated", 3)
	m.CascadeOutcome("invoice", "skipped")

	require.Equal(t, 2.0, counterValue(t, reg, "settlement_reconciliation_findings_total", map[string]string{"variant": "bill"}))
	require.Equal(t, 3.0, counterValue(t, reg, "settlement_bill_refresh_total", map[string]string{"outcome": "updated"}))
	require.Equal(t, 1.0, counterValue(t, reg, "settlement_cascade_outcomes_total", map[string]string{"variant": "invoice", "outcome": "skipped"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.CascadeOutcome("bill", "failed")
	m.AddFindings("bill", 1)
	require.NoError(t, m.Track("x").End(nil))
}
