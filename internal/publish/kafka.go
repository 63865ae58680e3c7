package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/edgeo-scada/s7/internal/config"
)

// KafkaSink produces one message per record to a single topic, keyed by
// channel so the updates of a channel stay ordered within a partition.
type KafkaSink struct {
	cfg      config.KafkaConfig
	instance string

	mu     sync.RWMutex
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.KafkaConfig, instance string) *KafkaSink {
	return &KafkaSink{cfg: cfg, instance: instance}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Start(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka connect %s: %w", s.cfg.Brokers[0], err)
	}
	conn.Close()

	s.mu.Lock()
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(s.cfg.Brokers...),
		Topic:        s.cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	s.mu.Unlock()
	return nil
}

// Message builds the kafka message for msg.
func (s *KafkaSink) Message(msg Message) (kafka.Message, error) {
	payload, err := msg.Encode()
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.Device + "/" + msg.Channel),
		Value: payload,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: "instance", Value: []byte(s.instance)},
			{Key: "flag", Value: []byte(msg.Flag.String())},
		},
	}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("kafka: not started")
	}

	km, err := s.Message(msg)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, km)
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
