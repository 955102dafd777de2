package runlog

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore appends run-log entries to a Mongo collection instead of a
// local JSONL file, for deployments that want cross-run queryable history.
// The engine never requires this backend; it is selected by configuration.
type MongoStore struct {
	coll   *mongo.Collection
	runID  string
	client *mongo.Client
}

type mongoDoc struct {
	RunID     string         `bson:"runId"`
	Timestamp int64          `bson:"ts"`
	Level     Level          `bson:"level"`
	Message   string         `bson:"msg"`
	Fields    map[string]any `bson:"fields,omitempty"`
}

// NewMongoStore opens a Store backed by database.collection on client,
// scoping every appended entry to runID.
func NewMongoStore(client *mongo.Client, database, collection, runID string) *MongoStore {
	return &MongoStore{
		coll:   client.Database(database).Collection(collection),
		runID:  runID,
		client: client,
	}
}

func (s *MongoStore) Append(ctx context.Context, e Entry) error {
	_, err := s.coll.InsertOne(ctx, mongoDoc{
		RunID:     s.runID,
		Timestamp: e.Timestamp.UnixMilli(),
		Level:     e.Level,
		Message:   e.Message,
		Fields:    e.Fields,
	})
	return err
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

// recentForRun retrieves the most recent entries for a run, newest first,
// used by operator tooling that wants to tail a run without filesystem
// access to the JSONL sink.
func (s *MongoStore) recentForRun(ctx context.Context, limit int64) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(limit)
	cur, err := s.coll.Find(ctx, bson.M{"runId": s.runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, Entry{
			Level:   d.Level,
			Message: d.Message,
			Fields:  d.Fields,
		})
	}
	return out, nil
}
