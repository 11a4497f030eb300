package meter

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the physical meter type. Kind-specific behaviour lives in a
// constant table rather than in per-kind types: only thresholds, unit labels
// and the anomaly predicate differ between kinds.
type Kind string

const (
	KindWater    Kind = "water"
	KindElectric Kind = "electric"
	KindGas      Kind = "gas"
)

// ParseKind validates a configured kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindWater:
		return KindWater, nil
	case KindElectric:
		return KindElectric, nil
	case KindGas:
		return KindGas, nil
	default:
		return "", fmt.Errorf("unknown meter kind %q", raw)
	}
}

type kindSpec struct {
	unit                  string
	defaultMaxDelta       float64
	defaultAlertThreshold float64
	rateUnit              string
	alertName             string
}

var kindSpecs = map[Kind]kindSpec{
	// Leak detection: sustained low flow above zero, in litres per minute.
	KindWater: {
		unit:                  "m³",
		defaultMaxDelta:       10.0,
		defaultAlertThreshold: 0.5,
		rateUnit:              "L/min",
		alertName:             "potential_leak",
	},
	// High usage: instantaneous power draw in kilowatts.
	KindElectric: {
		unit:                  "kWh",
		defaultMaxDelta:       50.0,
		defaultAlertThreshold: 5.0,
		rateUnit:              "kW",
		alertName:             "high_usage",
	},
	// High usage: flow in billing units per hour (CCF/h or m³/h).
	KindGas: {
		unit:                  "CCF",
		defaultMaxDelta:       100.0,
		defaultAlertThreshold: 2.0,
		rateUnit:              "unit/h",
		alertName:             "high_usage",
	},
}

// Unit returns the native unit label for the kind. Gas meters may be
// configured to report cubic meters instead of CCF.
func (k Kind) Unit(useCubicMeters bool) string {
	if k == KindGas && useCubicMeters {
		return "m³"
	}
	return kindSpecs[k].unit
}

// DefaultMaxDelta is the kind-specific bounded-delta validation threshold.
func (k Kind) DefaultMaxDelta() float64 {
	return kindSpecs[k].defaultMaxDelta
}

// DefaultAlertThreshold is the kind-specific anomaly threshold applied to the
// instantaneous rate.
func (k Kind) DefaultAlertThreshold() float64 {
	return kindSpecs[k].defaultAlertThreshold
}

// RateUnit labels the instantaneous rate produced by instantRate.
func (k Kind) RateUnit() string {
	return kindSpecs[k].rateUnit
}

// AlertName names the anomaly signal raised by the kind's predicate.
func (k Kind) AlertName() string {
	return kindSpecs[k].alertName
}

// instantRate converts a consumption delta over an elapsed duration into the
// kind's instantaneous rate: L/min for water, kW for electric, units/h for gas.
func (k Kind) instantRate(delta float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	switch k {
	case KindWater:
		return delta * 1000 / elapsed.Minutes()
	default:
		return delta / elapsed.Hours()
	}
}

// alertTriggered applies the kind-specific anomaly predicate. Water flags
// sustained low flow (zero flow is normal, continuous low flow is not);
// electric and gas flag rates above the threshold.
func (k Kind) alertTriggered(rate, threshold float64) bool {
	if k == KindWater {
		return rate > 0 && rate < threshold
	}
	return rate > threshold
}
