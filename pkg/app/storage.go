package app

import (
	"fmt"

	"chargehold/internal/reservations/storage"
	"chargehold/pkg/config"

	"github.com/jonboulle/clockwork"
)

// NewStore opens the connection the configured backend needs and returns the
// shared state store. Connection failures are fatal.
func NewStore(cfg *config.Config, clock clockwork.Clock) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		cfg.Log.Warn("Using in-memory storage: reservations are lost on restart and not shared between instances")
		return storage.NewMemoryStore(), nil
	case config.StorageRedis:
		cfg.SetRedis()
		return storage.NewRedisStore(cfg.Client.Redis, cfg.StorageKeyPrefix+":changes", cfg.Log.Component("redis_store")), nil
	case config.StorageMongo:
		cfg.SetMongo()
		return storage.NewMongoStore(cfg.Client.Mongo, cfg.MongoDatabaseName, cfg.MongoCollection, clock, cfg.Log.Component("mongo_store")), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
