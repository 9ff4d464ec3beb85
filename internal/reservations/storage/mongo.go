package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	mongotx "chargehold/pkg/db/mongo"
	"chargehold/pkg/logger"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type blobDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	Origin    string    `bson:"origin"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type changeEvent struct {
	DocumentKey struct {
		Key string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *blobDocument `bson:"fullDocument"`
}

// MongoStore keeps one document per key and relies on multi-document transactions
// for atomic saves and on change streams for notifications. Both need a replica set.
type MongoStore struct {
	collection *mongo.Collection
	tx         mongotx.TransactionManager
	clock      clockwork.Clock
	log        *logger.Logger
}

func NewMongoStore(client *mongo.Client, database, collection string, clock clockwork.Clock, log *logger.Logger) *MongoStore {
	return &MongoStore{
		collection: client.Database(database).Collection(collection),
		tx:         mongotx.NewTransactionManager(client),
		clock:      clock,
		log:        log,
	}
}

func (s *MongoStore) Load(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []blobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode: %w", err)
	}
	for _, doc := range docs {
		out[doc.Key] = []byte(doc.Value)
	}
	return out, nil
}

func (s *MongoStore) Save(ctx context.Context, origin string, values map[string][]byte) error {
	now := s.clock.Now().UTC()
	return s.tx.ExecuteTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		for key, value := range values {
			_, err := s.collection.UpdateOne(sessCtx,
				bson.M{"_id": key},
				bson.M{"$set": bson.M{
					"value":      string(value),
					"origin":     origin,
					"updated_at": now,
				}},
				options.Update().SetUpsert(true),
			)
			if err != nil {
				return fmt.Errorf("mongo upsert %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *MongoStore) Subscribe(ctx context.Context, origin string) (<-chan Change, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := s.collection.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo watch: %w", err)
	}

	out := make(chan Change, subscriberBuffer)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var event changeEvent
			if err := stream.Decode(&event); err != nil {
				s.log.Warn("Ignoring undecodable change event", "error", err)
				continue
			}
			writer := ""
			if event.FullDocument != nil {
				writer = event.FullDocument.Origin
			}
			if writer == origin {
				continue
			}
			select {
			case out <- Change{Keys: []string{event.DocumentKey.Key}, Origin: writer}:
			default:
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.log.Error("Change stream terminated", "error", err)
		}
	}()

	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}
