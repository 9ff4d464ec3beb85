package kafka_config

import "time"

const (
	DefaultKafkaBrokers = "localhost:9092"
	DefaultTopic        = "reservations.events"
	DefaultDLQTopic     = ""

	DefaultProducerMaxAttempts  = 3
	DefaultProducerBatchTimeout = 10 * time.Millisecond
	DefaultProducerRequireAcks  = -1 // Require all replicas
	DefaultProducerCompression  = "snappy"
	DefaultProducerAsync        = false

	DefaultPublishTimeout = 5 * time.Second
	DefaultPublishBuffer  = 256

	DefaultEnableMiddleware = true
)
