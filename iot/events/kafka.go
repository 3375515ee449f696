// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package events publishes device lifecycle events to Kafka
package events

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot"
)

// DefaultTopic is the topic used when none is configured
const DefaultTopic = "device_lifecycle"

// messageWriter is the part of kafka.Writer the notifier needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier implements iot.Notifier. Every event becomes one JSON message
// keyed by the device name, so all events of a device land in the same
// partition in order.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

// NewKafkaNotifier returns a notifier writing to topic on the given brokers
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	logger.Default().Infof("device events go to kafka topic %s on %v", topic, brokers)
	return &KafkaNotifier{writer: w, topic: topic}, nil
}

// Topic returns the kafka topic
func (n *KafkaNotifier) Topic() string {
	return n.topic
}

// Notify implements iot.Notifier
func (n *KafkaNotifier) Notify(ctx context.Context, event iot.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Device),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
		Time: event.Timestamp,
	})
}

// Close flushes pending messages and closes the writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
