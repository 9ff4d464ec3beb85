package kafka_middleware

import (
	"context"
	"time"

	"chargehold/pkg/kafka"
	"chargehold/pkg/logger"
)

// LoggingProducerMiddleware logs message publishing operations
func LoggingProducerMiddleware(log *logger.Logger) kafka.ProducerMiddleware {
	return func(ctx context.Context, msg kafka.Message, next func(ctx context.Context, msg kafka.Message) error) error {
		start := time.Now()

		err := next(ctx, msg)

		attrs := []any{
			"topic", msg.Topic,
			"key", msg.Key,
			"event_id", msg.GetEventID(),
			"event_type", msg.GetEventType(),
			"duration", time.Since(start),
		}
		if err != nil {
			log.ErrorContext(ctx, "Failed to publish message", append(attrs, "error", err)...)
		} else {
			log.DebugContext(ctx, "Published message", attrs...)
		}

		return err
	}
}
