package meter

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Confidence grades how sure the interpretation service was about a reading.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// ParseConfidence normalises a free-form confidence tag.
func ParseConfidence(raw string) Confidence {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	case "low":
		return ConfidenceLow
	default:
		return ConfidenceUnknown
	}
}

// Reading is one interpreted measurement of a meter at a point in time.
// Readings are immutable once created; accepted readings are appended to a
// meter's history and never touched again.
type Reading struct {
	ID         string                 `json:"id"`
	Meter      string                 `json:"meter"`
	Kind       Kind                   `json:"kind"`
	Timestamp  time.Time              `json:"timestamp"`
	TotalValue float64                `json:"total_value"`
	Digital    *float64               `json:"digital_reading,omitempty"`
	Dial       *float64               `json:"dial_reading,omitempty"`
	Multiplier float64                `json:"multiplier,omitempty"`
	Unit       string                 `json:"unit"`
	Confidence Confidence             `json:"confidence"`
	Notes      string                 `json:"notes,omitempty"`
	Raw        map[string]interface{} `json:"raw_fields,omitempty"`
}

// NewReadingID returns a fresh identifier correlating a reading with its
// persisted snapshot image.
func NewReadingID() string {
	return uuid.NewString()
}
