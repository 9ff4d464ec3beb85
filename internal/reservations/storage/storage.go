package storage

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("storage is closed")

// Change is emitted after a successful Save by another writer.
type Change struct {
	Keys   []string `json:"keys"`
	Origin string   `json:"origin"`
}

// Store is a flat key/value blob store shared by every service instance.
//
// Save writes all given keys as one unit: readers observe either none or all of them.
// Subscribe delivers changes written by origins other than the subscriber's own;
// the channel is closed when ctx is done. Delivery may coalesce: subscribers must
// treat every Change as "reload everything", not as a diff.
type Store interface {
	Load(ctx context.Context, keys ...string) (map[string][]byte, error)
	Save(ctx context.Context, origin string, values map[string][]byte) error
	Subscribe(ctx context.Context, origin string) (<-chan Change, error)
	Ping(ctx context.Context) error
}

const subscriberBuffer = 16
