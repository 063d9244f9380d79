package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// NoticeSource delivers "job available" notices from the message broker
type NoticeSource interface {
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// setupConsumer sets up the notice consumer with QoS and returns its delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.notices.SetPrefetch(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.notices.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Notice consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// startMessageDispatcher turns each notice into a wake-up. Notices only shorten the
// polling delay; the job table stays the source of truth, so every notice is acked.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Notice delivery channel closed, falling back to polling")
				return
			}
			w.dispatch(delivery)
		}
	}
}

func (w *Worker) dispatch(delivery amqp.Delivery) {
	var notice domain.JobNotice
	if err := json.Unmarshal(delivery.Body, &notice); err != nil {
		w.logger.Error("Failed to parse notice JSON",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the dead-letter queue
		if err := delivery.Nack(false, false); err != nil {
			w.logger.Error("Failed to NACK malformed notice", slog.Any("error", err))
		}
		return
	}

	if _, err := uuid.Parse(notice.JobID); err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", notice.JobID),
			slog.Any("error", err),
		)
		if err := delivery.Nack(false, false); err != nil {
			w.logger.Error("Failed to NACK notice with invalid job_id", slog.Any("error", err))
		}
		return
	}

	w.Wake()
	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK notice",
			slog.String("job_id", notice.JobID),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Debug("Notice dispatched to worker pool",
		slog.String("job_id", notice.JobID),
		slog.String("tool_slug", notice.ToolSlug),
	)
}
