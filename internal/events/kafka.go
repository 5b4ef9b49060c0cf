package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
)

// DefaultTopic is the Kafka topic transitions go to when none is configured.
const DefaultTopic = "recast.queue.transitions"

// KafkaSink publishes transitions as JSON records keyed by entry id, so all
// transitions of one entry land in the same partition in order.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger logging.Logger
}

// NewKafkaSink connects a producer to brokers.
func NewKafkaSink(brokers []string, topic string, logger logging.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("recast"),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic, logger: logger}, nil
}

// Emit implements Sink. The record is produced asynchronously; delivery
// errors are logged.
func (s *KafkaSink) Emit(ctx context.Context, t model.Transition) {
	record, err := transitionRecord(s.topic, t)
	if err != nil {
		s.logger.WithError(err).WithField("entry_id", t.EntryID).Error("encode transition")
		return
	}

	s.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"entry_id": t.EntryID,
				"topic":    r.Topic,
			}).Warn("kafka transition delivery failed")
		}
	})
}

// Flush waits for buffered records to be delivered.
func (s *KafkaSink) Flush(ctx context.Context) error {
	return s.client.Flush(ctx)
}

// Ping checks broker connectivity.
func (s *KafkaSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}

func transitionRecord(topic string, t model.Transition) (*kgo.Record, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(t.EntryID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "to_state", Value: []byte(t.To)},
			{Key: "platform", Value: []byte(t.Platform)},
		},
	}, nil
}
