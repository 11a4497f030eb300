package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meterwatch/internal/meter"
)

func TestSQLiteStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	readings := []meter.Reading{
		sampleReading("water_main", 100.0, base),
		sampleReading("water_main", 100.5, base.Add(15*time.Minute)),
		sampleReading("other", 7.0, base),
	}
	for _, r := range readings {
		require.NoError(t, s.PersistReading(context.Background(), r))
	}

	latest, err := s.Latest(context.Background(), "water_main", 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, 100.5, latest[0].TotalValue)
	require.Equal(t, 100.0, latest[1].TotalValue)
	require.Equal(t, meter.KindWater, latest[0].Kind)
	require.Equal(t, meter.ConfidenceHigh, latest[0].Confidence)

	limited, err := s.Latest(context.Background(), "water_main", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, 100.5, limited[0].TotalValue)

	none, err := s.Latest(context.Background(), "missing", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSQLiteStoreDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	r := sampleReading("water_main", 100.0, time.Now().UTC())
	require.NoError(t, s.PersistReading(context.Background(), r))
	require.Error(t, s.PersistReading(context.Background(), r))
}

func TestSQLiteStoreImageIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PersistImage(context.Background(), "m", []byte{1, 2}, time.Now(), "value"))
}
