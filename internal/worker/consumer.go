package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeMessage is published when jobs become runnable. It only shortens the
// time until a worker looks; the store stays the source of truth.
type WakeMessage struct {
	TenantID string   `json:"tenant_id"`
	JobIDs   []string `json:"job_ids"`
}

// WakePublisher publishes wake-up messages for newly runnable jobs
type WakePublisher struct {
	client Publisher
}

// Publisher is the part of the RabbitMQ client the wake-up publisher needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// NewWakePublisher creates a WakePublisher
func NewWakePublisher(client Publisher) *WakePublisher {
	return &WakePublisher{client: client}
}

// NotifyRunnable tells the worker pools that jobs of a tenant are runnable
func (p *WakePublisher) NotifyRunnable(ctx context.Context, tenantID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	body, err := json.Marshal(WakeMessage{TenantID: tenantID, JobIDs: jobIDs})
	if err != nil {
		return fmt.Errorf("failed to encode wake-up message: %w", err)
	}
	return p.client.PublishWithRetry(ctx, body, "application/json")
}

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_size 0 means no byte limit; global false applies QoS per consumer
	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	consumerTag := w.workerID
	deliveries, err := w.rabbitClient.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("worker_id", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher turns wake-up deliveries into pool wake-ups
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	msg, err := parseWakeMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Invalid wake-up message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the DLQ
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	for range msg.JobIDs {
		w.Notify()
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("error", ackErr.Error()),
		)
	}

	w.logger.Debug("Wake-up received",
		slog.String("tenant_id", msg.TenantID),
		slog.Int("job_count", len(msg.JobIDs)),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}

func parseWakeMessage(body []byte) (*WakeMessage, error) {
	var msg WakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if msg.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if len(msg.JobIDs) == 0 {
		return nil, fmt.Errorf("job_ids is empty")
	}
	for _, id := range msg.JobIDs {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid job_id %q: %w", id, err)
		}
	}
	return &msg, nil
}
