package meter

import (
	"math"

	"github.com/shopspring/decimal"
)

// Thresholds carries the validation limits for a single meter.
type Thresholds struct {
	// MaxDeltaPerReading is the largest plausible increase between two
	// consecutive accepted readings, in the meter's native unit.
	MaxDeltaPerReading float64
}

// ThresholdsFor resolves the effective thresholds for a meter, falling back
// to the kind default when no override is configured.
func ThresholdsFor(kind Kind, maxDelta float64) Thresholds {
	if maxDelta <= 0 {
		maxDelta = kind.DefaultMaxDelta()
	}
	return Thresholds{MaxDeltaPerReading: maxDelta}
}

// ValidationOutcome is the verdict for a single candidate reading. It is
// never persisted on its own; it always travels with the reading it judged.
type ValidationOutcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func reject(reason string) ValidationOutcome {
	return ValidationOutcome{Accepted: false, Reason: reason}
}

// waterComponentTolerance bounds how far total may drift from digital+dial
// before the interpretation is considered inconsistent.
const waterComponentTolerance = 0.01

// Validate decides whether a freshly interpreted reading is physically
// plausible given the meter's accepted history. Pure and deterministic:
// identical inputs always yield the identical outcome, so historical logs can
// be replayed through it.
//
// Utility meters are cumulative counters; a decrease means misread digits,
// not negative consumption. The very first reading of a meter only undergoes
// the presence and sign checks.
func Validate(candidate Reading, history []Reading, thresholds Thresholds) ValidationOutcome {
	total := candidate.TotalValue
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return reject("missing value")
	}
	if total < 0 {
		return reject("negative reading")
	}

	if candidate.Kind == KindWater && candidate.Digital != nil && candidate.Dial != nil {
		dial := *candidate.Dial
		if dial < 0 || dial >= 1.0 {
			return reject("dial out of range")
		}
		expected := decimal.NewFromFloat(*candidate.Digital).Add(decimal.NewFromFloat(dial))
		drift := decimal.NewFromFloat(total).Sub(expected).Abs()
		if drift.GreaterThan(decimal.NewFromFloat(waterComponentTolerance)) {
			return reject("component mismatch")
		}
	}

	if len(history) > 0 {
		last := history[len(history)-1].TotalValue
		delta := decimal.NewFromFloat(total).Sub(decimal.NewFromFloat(last))
		if delta.IsNegative() {
			return reject("reading decreased")
		}
		if delta.GreaterThan(decimal.NewFromFloat(thresholds.MaxDeltaPerReading)) {
			return reject("excessive change")
		}
	}

	return ValidationOutcome{Accepted: true}
}
