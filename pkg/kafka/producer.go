package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

// Config конфигурация Kafka producer
type Config struct {
	Brokers      []string      // Список Kafka брокеров
	TopicPrefix  string        // Префикс для топиков (например, "metrics")
	Key          string        // Partition key, usually the device id
	Compression  string        // "none", "gzip", "snappy", "lz4", "zstd"
	MaxAttempts  int           // Максимальное количество попыток отправки
	RequiredAcks int           // -1 = all, 0 = none, 1 = leader
	WriteTimeout time.Duration // Таймаут записи
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		TopicPrefix:  "metrics",
		Compression:  "snappy",
		MaxAttempts:  3,
		RequiredAcks: 1,
		WriteTimeout: 10 * time.Second,
	}
}

// messageWriter is the part of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes envelopes to Kafka. Writes are synchronous, so a
// successful write is reported as delivered.
type Producer struct {
	publisher.Listeners

	writer messageWriter
	config Config
	logger *logrus.Logger
}

// NewProducer создает новый Kafka producer
func NewProducer(cfg Config, logger *logrus.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers list is empty")
	}

	if logger == nil {
		logger = logrus.New()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxAttempts,
		BatchSize:              1,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compressionCodec(cfg.Compression),
		AllowAutoTopicCreation: true,
		Async:                  false,
	}

	logger.WithFields(logrus.Fields{
		"brokers":     cfg.Brokers,
		"compression": cfg.Compression,
		"topic":       topicName(cfg.TopicPrefix),
	}).Info("Kafka producer initialized")

	return newProducer(writer, cfg, logger), nil
}

func newProducer(writer messageWriter, cfg Config, logger *logrus.Logger) *Producer {
	return &Producer{
		writer: writer,
		config: cfg,
		logger: logger,
	}
}

// Publish отправляет envelope в Kafka
func (p *Producer) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	value, err := env.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	topic := topicName(p.config.TopicPrefix)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(p.config.Key),
		Value: value,
		Time:  env.Timestamp,
		Headers: []kafka.Header{
			{Key: "envelope_id", Value: []byte(env.ID)},
			{Key: "metric", Value: []byte(protocol.MetricHumidity)},
			{Key: "version", Value: []byte(env.Version)},
		},
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithFields(logrus.Fields{
			"topic":       topic,
			"envelope_id": env.ID,
			"error":       err,
		}).Error("Failed to publish envelope to Kafka")
		p.MarkLost()
		return "", fmt.Errorf("kafka write failed: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":       topic,
		"envelope_id": env.ID,
		"duration":    time.Since(start),
	}).Debug("Envelope published to Kafka")

	p.MarkConnected()
	p.NotifyMessageConfirmed(env.ID)
	return env.ID, nil
}

// Close закрывает Kafka producer
func (p *Producer) Close() error {
	p.logger.Info("Closing Kafka producer")
	err := p.writer.Close()
	p.MarkDisconnected()
	return err
}

// Name возвращает имя publisher
func (p *Producer) Name() string {
	return "kafka"
}

// topicName формирует имя топика
func topicName(prefix string) string {
	return fmt.Sprintf("%s.%s", prefix, strings.ToLower(protocol.MetricHumidity))
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0) // None
	}
}
