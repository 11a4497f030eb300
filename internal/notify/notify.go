package notify

import (
	"context"

	"github.com/rs/zerolog"

	"meterwatch/internal/meter"
)

// Sink receives accepted readings. Delivery is best-effort: a failing sink is
// logged by the caller and never affects the reading cycle.
type Sink interface {
	Notify(ctx context.Context, r meter.Reading) error
	Close() error
}

type multiSink struct {
	sinks  []Sink
	logger zerolog.Logger
}

// Multi fans notifications out to several sinks.
func Multi(logger zerolog.Logger, sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &multiSink{sinks: sinks, logger: logger.With().Str("component", "notify").Logger()}
}

func (m *multiSink) Notify(ctx context.Context, r meter.Reading) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, r); err != nil {
			m.logger.Warn().Err(err).Str("meter", r.Meter).Msg("notification failed")
		}
	}
	return nil
}

func (m *multiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard returns a sink that drops all notifications.
func Discard() Sink {
	return discardSink{}
}

type discardSink struct{}

func (discardSink) Notify(context.Context, meter.Reading) error { return nil }
func (discardSink) Close() error                                { return nil }

// payload is the JSON shape published to external consumers.
type payload struct {
	Meter      string  `json:"meter"`
	Kind       string  `json:"kind"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Timestamp  string  `json:"timestamp"`
	Confidence string  `json:"confidence"`
}

func payloadFor(r meter.Reading) payload {
	return payload{
		Meter:      r.Meter,
		Kind:       string(r.Kind),
		Value:      r.TotalValue,
		Unit:       r.Unit,
		Timestamp:  r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		Confidence: string(r.Confidence),
	}
}
