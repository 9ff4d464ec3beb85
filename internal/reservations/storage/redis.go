package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"chargehold/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisStore writes blobs with MULTI/EXEC and announces every write on a pub/sub
// channel in the same transaction, so a subscriber never sees the notification
// before the data.
type RedisStore struct {
	client  redis.UniversalClient
	channel string
	log     *logger.Logger
}

func NewRedisStore(client redis.UniversalClient, channel string, log *logger.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		channel: channel,
		log:     log,
	}
}

func (s *RedisStore) Load(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	for i, value := range values {
		switch v := value.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(v)
		default:
			return nil, fmt.Errorf("redis mget: unexpected value type %T for key %s", value, keys[i])
		}
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, origin string, values map[string][]byte) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}

	payload, err := json.Marshal(Change{Keys: keys, Origin: origin})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range values {
			pipe.Set(ctx, key, value, 0)
		}
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, origin string) (<-chan Change, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}

	out := make(chan Change, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.log.Warn("Ignoring malformed change notification", "channel", msg.Channel, "error", err)
					continue
				}
				if change.Origin == origin {
					continue
				}
				select {
				case out <- change:
				default:
				}
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
