package kafka_middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"chargehold/pkg/kafka"
	"chargehold/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func message() kafka.Message {
	return kafka.Message{
		Key:     "res_1",
		Value:   []byte(`{}`),
		Topic:   "reservations.events",
		Headers: map[string]string{kafka.HeaderEventID: "evt-1", kafka.HeaderEventType: "expired"},
	}
}

func TestMetricsProducerMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	mw := MetricsProducerMiddleware(m)

	ok := func(ctx context.Context, msg kafka.Message) error { return nil }
	fail := func(ctx context.Context, msg kafka.Message) error { return errors.New("broker down") }

	_ = mw(context.Background(), message(), ok)
	_ = mw(context.Background(), message(), ok)
	if err := mw(context.Background(), message(), fail); err == nil {
		t.Fatal("middleware must return the publish error")
	}

	if got := testutil.ToFloat64(m.published.WithLabelValues("reservations.events", resultSuccess)); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.published.WithLabelValues("reservations.events", resultError)); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestLoggingProducerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: logger.DEBUG, Format: logger.JSON, Output: &buf})
	mw := LoggingProducerMiddleware(log)

	err := mw(context.Background(), message(), func(ctx context.Context, msg kafka.Message) error {
		return errors.New("broker down")
	})
	if err == nil {
		t.Fatal("expected error to be returned")
	}

	out := buf.String()
	for _, want := range []string{"Failed to publish message", `"event_id":"evt-1"`, `"error":"broker down"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
