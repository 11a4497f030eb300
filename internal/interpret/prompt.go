package interpret

import (
	"fmt"

	"meterwatch/internal/meter"
)

const responseFormat = `Return your answer as JSON only:
{
    "digital_reading": <number>,
    "dial_reading": <number>,
    "total_reading": <number>,
    "multiplier": <integer, default 1>,
    "unit": "<unit if visible>",
    "confidence": "high|medium|low",
    "notes": "<observations or concerns>"
}
If the meter cannot be read clearly, explain why in notes and set confidence to "low".`

const waterPrompt = `You are analyzing a water meter image. Read both components:
1. The digital display showing cubic meters (usually 4-5 digits).
2. The circular dial with a needle showing fractional cubic meters (0.000-0.999).
Report the digital part, the dial part to 3 decimal places, and their sum as the total reading.
` + responseFormat

const electricPrompt = `You are analyzing an electric meter image. The meter may have a digital display
in kilowatt-hours, mechanical dials read left to right (use the lower number when the pointer sits
between two), or both. Note any multiplier printed on the face (x10, x100) in the multiplier field.
Report the complete reading in kWh as the total reading.
` + responseFormat

const gasPromptTemplate = `You are analyzing a natural gas meter image. The meter may have a digital
display or mechanical dials read left to right; adjacent dials turn in opposite directions and the
pointer between two numbers means the lower one. Ignore the small fast-spinning test dial.
Report the complete reading in %s as the total reading and note the unit if visible.
` + responseFormat

// promptFor returns the kind-specific instruction text sent alongside the image.
func promptFor(kind meter.Kind, useCubicMeters bool) string {
	switch kind {
	case meter.KindWater:
		return waterPrompt
	case meter.KindElectric:
		return electricPrompt
	case meter.KindGas:
		unit := "CCF (hundred cubic feet)"
		if useCubicMeters {
			unit = "cubic meters (m³)"
		}
		return fmt.Sprintf(gasPromptTemplate, unit)
	default:
		return responseFormat
	}
}
