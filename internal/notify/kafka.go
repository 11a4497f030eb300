package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"

	"meterwatch/internal/config"
	"meterwatch/internal/meter"
)

// KafkaSink produces accepted readings onto a Kafka topic, keyed by meter
// name so per-meter ordering is preserved across partitions.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaSink connects a synchronous producer to the configured brokers.
func NewKafkaSink(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "meter-readings"
	}

	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka_sink").Logger(),
	}, nil
}

// Notify sends one message per accepted reading.
func (s *KafkaSink) Notify(_ context.Context, r meter.Reading) error {
	body, err := json.Marshal(payloadFor(r))
	if err != nil {
		return fmt.Errorf("kafka: encode payload: %w", err)
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(r.Meter),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("kafka: send message: %w", err)
	}
	return nil
}

// Close shuts the producer down.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
