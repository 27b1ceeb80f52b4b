package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaForwarder relays terminal-status events onto a Kafka topic so the
// surrounding platform can consume them outside this process.
type KafkaForwarder struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaForwarder(brokers []string, topic string, logger *slog.Logger) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// Register subscribes the forwarder to status-changed events on the bus.
func (f *KafkaForwarder) Register(bus *EventBus) {
	bus.Subscribe(EventTypeTransactionStatusChanged, f.Forward)
}

func (f *KafkaForwarder) Forward(ctx context.Context, event Event) error {
	statusEvent, ok := event.(*TransactionStatusChangedEvent)
	if !ok {
		return fmt.Errorf("expected TransactionStatusChangedEvent, got %T", event)
	}

	value, err := json.Marshal(statusEvent)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = f.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(statusEvent.ExternalReference),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write status event to kafka: %w", err)
	}

	f.logger.Info("status event forwarded to kafka",
		"external_reference", statusEvent.ExternalReference,
		"status", statusEvent.Status)
	return nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
