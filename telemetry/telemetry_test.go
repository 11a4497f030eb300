package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetRegistry() {
	registryLock.Lock()
	readingsCounter = nil
	cycleErrorCounter = nil
	consecutiveErrorsGauge = nil
	lastValueGauge = nil
	cycleDurationGauge = nil
	registryLock.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.ObserveCycle("water_main", true, time.Second)
	collector.IncCycleError("water_main", "capture")
	collector.SetConsecutiveErrors("water_main", 3)
	collector.SetLastValue("water_main", 123.456)
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	resetRegistry()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.ObserveCycle("water_main", true, 2*time.Second)
	collector.ObserveCycle("water_main", false, time.Second)
	collector.IncCycleError("water_main", "interpret")
	collector.SetConsecutiveErrors("water_main", 1)
	collector.SetLastValue("water_main", 100.45)

	families := gather(t, reg)

	readings := families["meterwatch_readings_total"]
	require.NotNil(t, readings)
	require.Equal(t, 1.0, counterValue(t, readings, "result", "success"))
	require.Equal(t, 1.0, counterValue(t, readings, "result", "failure"))

	errors := families["meterwatch_cycle_errors_total"]
	require.NotNil(t, errors)
	require.Equal(t, 1.0, counterValue(t, errors, "stage", "interpret"))

	lastValue := families["meterwatch_last_reading_value"]
	require.NotNil(t, lastValue)
	require.Len(t, lastValue.Metric, 1)
	require.Equal(t, 100.45, lastValue.Metric[0].Gauge.GetValue())

	duration := families["meterwatch_cycle_duration_seconds"]
	require.NotNil(t, duration)
	require.Equal(t, 1.0, duration.Metric[0].Gauge.GetValue())

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.readings, again.readings)

	again.ObserveCycle("water_main", true, time.Second)
	families = gather(t, reg)
	require.Equal(t, 2.0, counterValue(t, families["meterwatch_readings_total"], "result", "success"))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.ObserveCycle("m", true, time.Second)
	collector.IncCycleError("m", "validate")
	collector.SetConsecutiveErrors("m", 2)
	collector.SetLastValue("m", 1.0)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func counterValue(t *testing.T, mf *dto.MetricFamily, labelName, labelValue string) float64 {
	t.Helper()
	for _, m := range mf.Metric {
		for _, label := range m.Label {
			if label.GetName() == labelName && label.GetValue() == labelValue {
				require.NotNil(t, m.Counter)
				return m.Counter.GetValue()
			}
		}
	}
	t.Fatalf("no metric with %s=%s in %s", labelName, labelValue, mf.GetName())
	return 0
}
