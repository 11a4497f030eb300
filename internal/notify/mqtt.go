package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"meterwatch/internal/config"
	"meterwatch/internal/meter"
)

// MQTTSink publishes accepted readings as retained state messages, one topic
// per meter, so subscribers picking up late still see the last value.
type MQTTSink struct {
	client  mqtt.Client
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMQTTSink connects to the broker and returns the sink.
func NewMQTTSink(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID("meterwatch")
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	retain := true
	if cfg.Retain != nil {
		retain = *cfg.Retain
	}
	// Unset QoS means QoS 1 for retained state messages.
	qos := byte(1)
	if cfg.QoS != nil {
		qos = *cfg.QoS
	}

	return &MQTTSink{
		client:  client,
		topic:   cfg.Topic,
		qos:     qos,
		retain:  retain,
		timeout: timeout,
		logger:  logger.With().Str("component", "mqtt_sink").Logger(),
	}, nil
}

// Notify publishes the reading to home/<meter>/meter (or the configured topic).
func (s *MQTTSink) Notify(_ context.Context, r meter.Reading) error {
	body, err := json.Marshal(payloadFor(r))
	if err != nil {
		return fmt.Errorf("mqtt: encode payload: %w", err)
	}
	topic := s.topic
	if topic == "" {
		topic = fmt.Sprintf("home/%s/meter", r.Meter)
	}
	token := s.client.Publish(topic, s.qos, s.retain, body)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	s.logger.Debug().Str("topic", topic).Float64("value", r.TotalValue).Msg("reading published")
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
