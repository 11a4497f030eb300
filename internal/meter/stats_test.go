package meter

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestSummarizeInsufficientData(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	cases := map[string][]Reading{
		"empty":   nil,
		"single":  history(KindWater, base, 100.0),
		"no span": {reading(KindWater, 100.0, base), reading(KindWater, 100.5, base)},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Summarize("w", KindWater, h, SummaryOptions{})
			if !errors.Is(err, ErrInsufficientData) {
				t.Fatalf("expected ErrInsufficientData, got %v", err)
			}
		})
	}
}

func TestSummarizeWaterRates(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := []Reading{
		reading(KindWater, 100.0, base),
		reading(KindWater, 100.2, base.Add(1*time.Hour)),
		reading(KindWater, 100.5, base.Add(2*time.Hour)),
	}

	s, err := Summarize("house", KindWater, h, SummaryOptions{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.NumReadings != 3 || s.DurationHours != 2.0 {
		t.Fatalf("window = %d readings over %v h", s.NumReadings, s.DurationHours)
	}
	if !almostEqual(s.TotalUsage, 0.5) {
		t.Fatalf("total usage = %v, want 0.5", s.TotalUsage)
	}
	if !almostEqual(s.AverageRate, 0.25) {
		t.Fatalf("average rate = %v, want 0.25", s.AverageRate)
	}
	// Last hour used 0.3 m³ = 300 L over 60 min.
	if !almostEqual(s.InstantRate, 5.0) {
		t.Fatalf("instant rate = %v L/min, want 5.0", s.InstantRate)
	}
	if s.RateUnit != "L/min" {
		t.Fatalf("rate unit = %q", s.RateUnit)
	}
	if !almostEqual(s.Derived["total_usage_liters"], 500.0) {
		t.Fatalf("liters = %v", s.Derived["total_usage_liters"])
	}
	if s.Alert {
		t.Fatalf("5 L/min must not flag a leak: %+v", s)
	}
}

func TestSummarizeLeakDetection(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// 0.012 m³ over an hour is 0.2 L/min: above zero, below 0.5 L/min.
	h := []Reading{
		reading(KindWater, 200.0, base),
		reading(KindWater, 200.012, base.Add(time.Hour)),
	}

	s, err := Summarize("house", KindWater, h, SummaryOptions{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !s.Alert || s.AlertReason != "potential_leak" {
		t.Fatalf("expected potential_leak, got %+v", s)
	}

	// Zero flow is normal, not a leak.
	idle := []Reading{
		reading(KindWater, 200.0, base),
		reading(KindWater, 200.0, base.Add(time.Hour)),
	}
	s, err = Summarize("house", KindWater, idle, SummaryOptions{})
	if err != nil {
		t.Fatalf("summarize idle: %v", err)
	}
	if s.Alert {
		t.Fatalf("zero flow flagged as leak: %+v", s)
	}
}

func TestSummarizeElectricHighUsage(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := []Reading{
		reading(KindElectric, 5000.0, base),
		reading(KindElectric, 5006.0, base.Add(time.Hour)),
	}

	s, err := Summarize("main", KindElectric, h, SummaryOptions{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !almostEqual(s.InstantRate, 6.0) {
		t.Fatalf("instant rate = %v kW, want 6.0", s.InstantRate)
	}
	if !s.Alert || s.AlertReason != "high_usage" {
		t.Fatalf("expected high_usage at 6 kW, got %+v", s)
	}
	if !almostEqual(s.Derived["average_rate_kwh_per_day"], 144.0) {
		t.Fatalf("kWh/day = %v", s.Derived["average_rate_kwh_per_day"])
	}

	// Raising the threshold silences the alert.
	s, err = Summarize("main", KindElectric, h, SummaryOptions{AlertThreshold: 10.0})
	if err != nil {
		t.Fatalf("summarize with threshold: %v", err)
	}
	if s.Alert {
		t.Fatalf("6 kW flagged above a 10 kW threshold: %+v", s)
	}
}

func TestSummarizeGasUnits(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	h := []Reading{
		reading(KindGas, 1000.0, base),
		reading(KindGas, 1001.0, base.Add(time.Hour)),
	}

	s, err := Summarize("gas", KindGas, h, SummaryOptions{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Unit != "CCF" {
		t.Fatalf("unit = %q, want CCF", s.Unit)
	}
	if !almostEqual(s.Derived["total_usage_therms"], 1.037) {
		t.Fatalf("therms = %v", s.Derived["total_usage_therms"])
	}

	s, err = Summarize("gas", KindGas, h, SummaryOptions{UseCubicMeters: true})
	if err != nil {
		t.Fatalf("summarize m3: %v", err)
	}
	if s.Unit != "m³" {
		t.Fatalf("unit = %q, want m³", s.Unit)
	}
	if !almostEqual(s.Derived["total_usage_therms"], 0.366) {
		t.Fatalf("therms = %v", s.Derived["total_usage_therms"])
	}
}

func almostEqual(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}
