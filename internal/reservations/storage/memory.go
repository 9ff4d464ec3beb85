package storage

import (
	"context"
	"maps"
	"sync"
)

type memorySubscriber struct {
	origin string
	ch     chan Change
}

// MemoryStore keeps blobs in process memory. Several services sharing one
// MemoryStore behave like instances sharing an external store.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string][]byte
	subscribers map[*memorySubscriber]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:        make(map[string][]byte),
		subscribers: make(map[*memorySubscriber]struct{}),
	}
}

func (s *MemoryStore) Load(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, origin string, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	keys := make([]string, 0, len(values))
	for key, value := range values {
		s.data[key] = append([]byte(nil), value...)
		keys = append(keys, key)
	}

	change := Change{Keys: keys, Origin: origin}
	for sub := range s.subscribers {
		if sub.origin == origin {
			continue
		}
		// A full buffer already holds a pending reload for this subscriber.
		select {
		case sub.ch <- change:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, origin string) (<-chan Change, error) {
	sub := &memorySubscriber{
		origin: origin,
		ch:     make(chan Change, subscriberBuffer),
	}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, sub)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Dump returns a copy of every stored blob.
func (s *MemoryStore) Dump() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
