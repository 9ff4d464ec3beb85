package config

import "time"

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
)

const (
	DefaultPort      = "8080"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// A hold lasts 15 minutes and warns during its final third.
	DefaultHoldDuration   = 15 * time.Minute
	DefaultNotifyBefore   = 5 * time.Minute
	DefaultTickInterval   = 1 * time.Second
	DefaultPersistTimeout = 5 * time.Second

	DefaultStorageBackend   = StorageMemory
	DefaultStorageKeyPrefix = "chargehold"

	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "chargehold"
	DefaultMongoCollection   = "reservation_state"
	DefaultMongoConnTimeout  = 10 * time.Second

	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisDB          = 0
	DefaultRedisConnTimeout = 2 * time.Second

	DefaultEventsEnabled = false

	DefaultRateLimitRequests = 30
	DefaultRateLimitWindow   = 1 * time.Minute

	DefaultRequestTimeout = 30 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultMaxRequestSize = 64 * 1024 // 64KB

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)
