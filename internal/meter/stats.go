package meter

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData signals that a history is too short (or too degenerate)
// to derive usage statistics from.
var ErrInsufficientData = errors.New("insufficient data for usage summary")

// Conversion factors carried over from utility billing conventions.
const (
	litersPerCubicMeter  = 1000.0
	gallonsPerCubicMeter = 264.172
	thermsPerCCF         = 1.037
	thermsPerCubicMeter  = 0.366
	defaultElectricRate  = 0.12 // $/kWh
	defaultGasRate       = 1.00 // $/unit
)

// Summary describes consumption derived from a meter's accepted history.
type Summary struct {
	Meter         string    `json:"meter"`
	Kind          Kind      `json:"kind"`
	Unit          string    `json:"unit"`
	NumReadings   int       `json:"num_readings"`
	DurationHours float64   `json:"duration_hours"`
	TotalUsage    float64   `json:"total_usage"`
	AverageRate   float64   `json:"average_rate"`
	InstantRate   float64   `json:"instantaneous_rate"`
	RateUnit      string    `json:"rate_unit"`
	StartReading  float64   `json:"start_reading"`
	EndReading    float64   `json:"end_reading"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Alert         bool      `json:"alert"`
	AlertReason   string    `json:"alert_reason,omitempty"`
	// Derived holds kind-specific unit conversions and cost estimates.
	Derived map[string]float64 `json:"derived,omitempty"`
}

// SummaryOptions tunes the anomaly predicate and unit handling for Summarize.
type SummaryOptions struct {
	// AlertThreshold overrides the kind default when > 0.
	AlertThreshold float64
	// UseCubicMeters switches gas meters from CCF to m³.
	UseCubicMeters bool
	// CostRate overrides the default $/unit used for monthly cost estimates.
	CostRate float64
}

// Summarize derives consumption rates and anomaly signals from an
// accepted-reading history. Computed on demand rather than maintained
// incrementally so that statistics can never drift from the history.
//
// The average rate spans the whole window; the instantaneous rate uses only
// the last two readings so that a long run reflects current behaviour when
// deciding alerts.
func Summarize(name string, kind Kind, history []Reading, opts SummaryOptions) (Summary, error) {
	if len(history) < 2 {
		return Summary{}, ErrInsufficientData
	}

	first := history[0]
	last := history[len(history)-1]
	duration := last.Timestamp.Sub(first.Timestamp)
	if duration <= 0 {
		return Summary{}, ErrInsufficientData
	}

	totalUsage := decimal.NewFromFloat(last.TotalValue).
		Sub(decimal.NewFromFloat(first.TotalValue)).
		InexactFloat64()
	averageRate := totalUsage / duration.Hours()

	prev := history[len(history)-2]
	instantDelta := decimal.NewFromFloat(last.TotalValue).
		Sub(decimal.NewFromFloat(prev.TotalValue)).
		InexactFloat64()
	instantRate := kind.instantRate(instantDelta, last.Timestamp.Sub(prev.Timestamp))

	threshold := opts.AlertThreshold
	if threshold <= 0 {
		threshold = kind.DefaultAlertThreshold()
	}

	summary := Summary{
		Meter:         name,
		Kind:          kind,
		Unit:          kind.Unit(opts.UseCubicMeters),
		NumReadings:   len(history),
		DurationHours: duration.Hours(),
		TotalUsage:    totalUsage,
		AverageRate:   averageRate,
		InstantRate:   instantRate,
		RateUnit:      kind.RateUnit(),
		StartReading:  first.TotalValue,
		EndReading:    last.TotalValue,
		StartTime:     first.Timestamp,
		EndTime:       last.Timestamp,
		Derived:       deriveExtras(kind, totalUsage, averageRate, opts),
	}
	if kind.alertTriggered(instantRate, threshold) {
		summary.Alert = true
		summary.AlertReason = kind.AlertName()
	}
	return summary, nil
}

func deriveExtras(kind Kind, totalUsage, averageRate float64, opts SummaryOptions) map[string]float64 {
	extras := make(map[string]float64)
	switch kind {
	case KindWater:
		extras["total_usage_liters"] = totalUsage * litersPerCubicMeter
		extras["total_usage_gallons"] = totalUsage * gallonsPerCubicMeter
	case KindElectric:
		rate := opts.CostRate
		if rate <= 0 {
			rate = defaultElectricRate
		}
		extras["average_rate_kwh_per_day"] = averageRate * 24
		extras["estimated_monthly_cost"] = averageRate * 24 * 30 * rate
	case KindGas:
		therms := thermsPerCCF
		if opts.UseCubicMeters {
			therms = thermsPerCubicMeter
		}
		rate := opts.CostRate
		if rate <= 0 {
			rate = defaultGasRate
		}
		extras["total_usage_therms"] = totalUsage * therms
		extras["estimated_monthly_cost"] = averageRate * 24 * 30 * rate
	}
	return extras
}
