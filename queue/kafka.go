package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
)

// KafkaPublisher writes to one topic with a synchronous producer. Messages
// are keyed by vendor:user so a user's events stay on one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   logger.Logger
}

// NewKafkaPublisher options: brokers (comma separated, required), topic
// (required), client_id, idempotent (default true), max_retries, timeout.
func NewKafkaPublisher(conf map[string]string, log logger.Logger) (Publisher, error) {
	brokers := config.GetStringSlice(conf, "brokers")
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	topic, err := config.GetStringRequired(conf, "topic")
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = config.GetString(conf, "client_id", "wearlink")
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = config.GetInt(conf, "max_retries", 3)
	cfg.Producer.Timeout = config.GetDuration(conf, "timeout", 10*time.Second)
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	if config.GetBool(conf, "idempotent", true) {
		cfg.Producer.Idempotent = true
		cfg.Net.MaxOpenRequests = 1
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create sync producer: %w", err)
	}
	return NewKafkaPublisherFromProducer(producer, topic, log), nil
}

func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string, log logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: log}
}

func (k *KafkaPublisher) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(msg.PartitionKey()),
		Value: sarama.ByteEncoder(raw),
		Headers: []sarama.RecordHeader{
			{Key: []byte("trace_id"), Value: []byte(msg.TraceID)},
			{Key: []byte("event_type"), Value: []byte(msg.EventType)},
			{Key: []byte("vendor"), Value: []byte(msg.Vendor)},
		},
	}
	partition, offset, err := k.producer.SendMessage(pm)
	if err != nil {
		return unavailable("kafka", err)
	}
	k.logger.Trace("message published",
		logger.String("topic", k.topic),
		logger.Int64("partition", int64(partition)),
		logger.Int64("offset", offset),
		logger.TraceID(msg.TraceID))
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.producer.Close()
}
