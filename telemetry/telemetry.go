package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the monitoring runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the per-meter reading cycles.
type Collector interface {
	ObserveCycle(meter string, success bool, duration time.Duration)
	IncCycleError(meter, stage string)
	SetConsecutiveErrors(meter string, count int)
	SetLastValue(meter string, value float64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveCycle(string, bool, time.Duration) {}
func (noopCollector) IncCycleError(string, string)             {}
func (noopCollector) SetConsecutiveErrors(string, int)         {}
func (noopCollector) SetLastValue(string, float64)             {}

// PrometheusCollector exposes cycle telemetry via Prometheus.
type PrometheusCollector struct {
	readings          *prometheus.CounterVec
	cycleErrors       *prometheus.CounterVec
	consecutiveErrors *prometheus.GaugeVec
	lastValue         *prometheus.GaugeVec
	cycleDuration     *prometheus.GaugeVec
}

var (
	registryLock           sync.Mutex
	readingsCounter        *prometheus.CounterVec
	cycleErrorCounter      *prometheus.CounterVec
	consecutiveErrorsGauge *prometheus.GaugeVec
	lastValueGauge         *prometheus.GaugeVec
	cycleDurationGauge     *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registryLock.Lock()
	defer registryLock.Unlock()

	if readingsCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "meterwatch_readings_total",
			Help: "Number of completed reading cycles per meter and result.",
		}, []string{"meter", "result"})
		if err != nil {
			return nil, err
		}
		readingsCounter = counter
	}
	if cycleErrorCounter == nil {
		counter, err := registerCounterVec(reg, prometheus.CounterOpts{
			Name: "meterwatch_cycle_errors_total",
			Help: "Number of cycle failures per meter and pipeline stage.",
		}, []string{"meter", "stage"})
		if err != nil {
			return nil, err
		}
		cycleErrorCounter = counter
	}
	if consecutiveErrorsGauge == nil {
		gauge, err := registerGaugeVec(reg, prometheus.GaugeOpts{
			Name: "meterwatch_consecutive_errors",
			Help: "Current run of consecutive failed cycles per meter.",
		}, []string{"meter"})
		if err != nil {
			return nil, err
		}
		consecutiveErrorsGauge = gauge
	}
	if lastValueGauge == nil {
		gauge, err := registerGaugeVec(reg, prometheus.GaugeOpts{
			Name: "meterwatch_last_reading_value",
			Help: "Last accepted reading value per meter in its native unit.",
		}, []string{"meter"})
		if err != nil {
			return nil, err
		}
		lastValueGauge = gauge
	}
	if cycleDurationGauge == nil {
		gauge, err := registerGaugeVec(reg, prometheus.GaugeOpts{
			Name: "meterwatch_cycle_duration_seconds",
			Help: "Duration of the last reading cycle per meter.",
		}, []string{"meter"})
		if err != nil {
			return nil, err
		}
		cycleDurationGauge = gauge
	}

	return &PrometheusCollector{
		readings:          readingsCounter,
		cycleErrors:       cycleErrorCounter,
		consecutiveErrors: consecutiveErrorsGauge,
		lastValue:         lastValueGauge,
		cycleDuration:     cycleDurationGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// ObserveCycle records the outcome and duration of a completed cycle.
func (p *PrometheusCollector) ObserveCycle(meter string, success bool, duration time.Duration) {
	if p == nil || p.readings == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	p.readings.WithLabelValues(meter, result).Inc()
	if p.cycleDuration != nil {
		p.cycleDuration.WithLabelValues(meter).Set(duration.Seconds())
	}
}

// IncCycleError counts a failed cycle stage.
func (p *PrometheusCollector) IncCycleError(meter, stage string) {
	if p == nil || p.cycleErrors == nil {
		return
	}
	p.cycleErrors.WithLabelValues(meter, stage).Inc()
}

// SetConsecutiveErrors updates the consecutive failure gauge for a meter.
func (p *PrometheusCollector) SetConsecutiveErrors(meter string, count int) {
	if p == nil || p.consecutiveErrors == nil {
		return
	}
	p.consecutiveErrors.WithLabelValues(meter).Set(float64(count))
}

// SetLastValue updates the last accepted reading gauge for a meter.
func (p *PrometheusCollector) SetLastValue(meter string, value float64) {
	if p == nil || p.lastValue == nil {
		return
	}
	p.lastValue.WithLabelValues(meter).Set(value)
}
