package kafka_middleware

import (
	"context"
	"time"

	"chargehold/pkg/kafka"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds Kafka producer metrics
type Metrics struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
}

// NewMetrics registers the producer metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chargehold",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Messages published to Kafka by topic and result.",
		}, []string{"topic", "result"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chargehold",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing a message to Kafka.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	reg.MustRegister(m.published, m.publishDuration)
	return m
}

// MetricsProducerMiddleware tracks producer metrics
func MetricsProducerMiddleware(m *Metrics) kafka.ProducerMiddleware {
	return func(ctx context.Context, msg kafka.Message, next func(ctx context.Context, msg kafka.Message) error) error {
		start := time.Now()

		err := next(ctx, msg)

		m.publishDuration.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
		result := resultSuccess
		if err != nil {
			result = resultError
		}
		m.published.WithLabelValues(msg.Topic, result).Inc()

		return err
	}
}
