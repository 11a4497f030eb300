package interpret

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"meterwatch/internal/meter"
)

// ccfToCubicMeters converts the gas billing unit: 1 CCF = 100 ft³ = 2.83168 m³.
const ccfToCubicMeters = 2.83168

// rawInterpretation mirrors the JSON answer of the interpretation service.
type rawInterpretation struct {
	DigitalReading *float64 `json:"digital_reading"`
	DialReading    *float64 `json:"dial_reading"`
	TotalReading   *float64 `json:"total_reading"`
	Multiplier     float64  `json:"multiplier"`
	Unit           string   `json:"unit"`
	Confidence     string   `json:"confidence"`
	Notes          string   `json:"notes"`
}

// parseInterpretation turns the raw service answer into a Reading, applying
// the electric multiplier and gas unit conversion where needed.
func parseInterpretation(body []byte, req Request) (meter.Reading, error) {
	var raw rawInterpretation
	if err := json.Unmarshal(body, &raw); err != nil {
		return meter.Reading{}, fmt.Errorf("interpret: malformed response: %w", err)
	}
	if raw.TotalReading == nil {
		return meter.Reading{}, fmt.Errorf("interpret: response missing total_reading")
	}

	total := *raw.TotalReading
	notes := raw.Notes

	multiplier := raw.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	if req.Kind == meter.KindElectric && multiplier != 1 {
		total *= multiplier
		notes = strings.TrimSpace(notes + fmt.Sprintf(" (multiplier x%g)", multiplier))
	}

	if req.Kind == meter.KindGas {
		total, notes = convertGasUnits(total, raw.Unit, req.UseCubicMeters, notes)
	}

	reading := meter.Reading{
		ID:         meter.NewReadingID(),
		Meter:      req.Meter,
		Kind:       req.Kind,
		Timestamp:  time.Now().UTC(),
		TotalValue: total,
		Digital:    raw.DigitalReading,
		Dial:       raw.DialReading,
		Multiplier: multiplier,
		Unit:       req.Kind.Unit(req.UseCubicMeters),
		Confidence: meter.ParseConfidence(raw.Confidence),
		Notes:      notes,
	}
	return reading, nil
}

// convertGasUnits reconciles the unit the service reported with the unit the
// meter is configured for.
func convertGasUnits(total float64, reportedUnit string, useCubicMeters bool, notes string) (float64, string) {
	unit := strings.ToLower(strings.TrimSpace(reportedUnit))
	isCCF := unit == "ccf"
	isCubic := unit == "m³" || unit == "m3" || unit == "cubic meters"

	switch {
	case useCubicMeters && isCCF:
		return total * ccfToCubicMeters, strings.TrimSpace(notes + " (converted from CCF to m³)")
	case !useCubicMeters && isCubic:
		return total / ccfToCubicMeters, strings.TrimSpace(notes + " (converted from m³ to CCF)")
	default:
		return total, notes
	}
}
