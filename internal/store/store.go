package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/meter"
)

// Store persists readings and audit snapshots. Persist failures are logged by
// the caller and never unwind an already-accepted reading.
type Store interface {
	// PersistReading stores an accepted reading durably.
	PersistReading(ctx context.Context, r meter.Reading) error
	// PersistImage stores the captured frame for human audit. The label
	// distinguishes accepted values from rejected or failed cycles; images
	// of rejected readings are kept even though their value is discarded.
	PersistImage(ctx context.Context, meterName string, img []byte, takenAt time.Time, label string) error
	Close() error
}

// Labels used for audit snapshot filenames of non-accepted cycles.
const (
	LabelRejected = "rejected"
	LabelError    = "error"
)

type multiStore struct {
	stores []Store
	logger zerolog.Logger
}

// Multi fans writes out to several stores. Individual failures are logged and
// do not prevent the remaining stores from being written.
func Multi(logger zerolog.Logger, stores ...Store) Store {
	if len(stores) == 1 {
		return stores[0]
	}
	return &multiStore{stores: stores, logger: logger.With().Str("component", "store").Logger()}
}

func (m *multiStore) PersistReading(ctx context.Context, r meter.Reading) error {
	for _, s := range m.stores {
		if err := s.PersistReading(ctx, r); err != nil {
			m.logger.Error().Err(err).Str("meter", r.Meter).Msg("persist reading failed")
		}
	}
	return nil
}

func (m *multiStore) PersistImage(ctx context.Context, meterName string, img []byte, takenAt time.Time, label string) error {
	for _, s := range m.stores {
		if err := s.PersistImage(ctx, meterName, img, takenAt, label); err != nil {
			m.logger.Error().Err(err).Str("meter", meterName).Msg("persist image failed")
		}
	}
	return nil
}

func (m *multiStore) Close() error {
	var firstErr error
	for _, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard returns a store that drops everything; used when no storage is configured.
func Discard() Store {
	return discardStore{}
}

type discardStore struct{}

func (discardStore) PersistReading(context.Context, meter.Reading) error { return nil }
func (discardStore) PersistImage(context.Context, string, []byte, time.Time, string) error {
	return nil
}
func (discardStore) Close() error { return nil }
