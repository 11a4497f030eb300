package store

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"meterwatch/internal/config"
	"meterwatch/internal/meter"
)

// InfluxStore writes accepted readings to an InfluxDB v2 bucket for
// dashboarding. Images are not stored here.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

// NewInfluxStore connects to InfluxDB and verifies the credentials with a
// health check before accepting writes.
func NewInfluxStore(cfg config.InfluxConfig, logger zerolog.Logger) (*InfluxStore, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With().Str("component", "influx_store").Logger(),
	}, nil
}

// PersistReading queues one measurement point on the asynchronous write API.
func (s *InfluxStore) PersistReading(_ context.Context, r meter.Reading) error {
	fields := map[string]interface{}{
		"total_value": r.TotalValue,
	}
	if r.Digital != nil {
		fields["digital_reading"] = *r.Digital
	}
	if r.Dial != nil {
		fields["dial_reading"] = *r.Dial
	}
	point := write.NewPoint(
		"meter_reading",
		map[string]string{
			"meter":      r.Meter,
			"kind":       string(r.Kind),
			"confidence": string(r.Confidence),
			"unit":       r.Unit,
		},
		fields,
		r.Timestamp,
	)
	s.writeAPI.WritePoint(point)
	return nil
}

// PersistImage is a no-op for the time-series store.
func (s *InfluxStore) PersistImage(context.Context, string, []byte, time.Time, string) error {
	return nil
}

// Close flushes pending points and shuts the client down.
func (s *InfluxStore) Close() error {
	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
