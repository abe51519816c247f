package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stageflow/pkg/api"
)

// MongoCheckpointStore is a CheckpointStore backed by a MongoDB collection.
// Each checkpoint is one document; documents of a session are ordered by
// their seq field.
type MongoCheckpointStore struct {
	coll       *mongo.Collection
	seq        atomic.Int64
	maxHistory int
}

var _ api.CheckpointStore = (*MongoCheckpointStore)(nil)

type mongoCheckpointDoc struct {
	SessionID string    `bson:"session_id"`
	RunID     string    `bson:"run_id"`
	Graph     string    `bson:"graph"`
	Step      int       `bson:"step"`
	Next      string    `bson:"next"`
	Seq       int64     `bson:"seq"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoCheckpointStore creates a Mongo-backed checkpoint store and ensures
// its index. dbName defaults to "stageflow", collName to "checkpoints".
func NewMongoCheckpointStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoCheckpointStore, error) {
	if dbName == "" {
		dbName = "stageflow"
	}
	if collName == "" {
		collName = "checkpoints"
	}
	s := &MongoCheckpointStore{coll: client.Database(dbName).Collection(collName)}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: mongo create index: %w", err)
	}
	return s, nil
}

// nextSeq is strictly increasing within the process and roughly ordered by
// wall clock across processes.
func (s *MongoCheckpointStore) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := s.seq.Load()
		if now <= last {
			now = last + 1
		}
		if s.seq.CompareAndSwap(last, now) {
			return now
		}
	}
}

// SetMaxHistory keeps at most n checkpoints per session. n <= 0 keeps
// everything. Not safe to call concurrently with SaveCheckpoint.
func (s *MongoCheckpointStore) SetMaxHistory(n int) { s.maxHistory = n }

func (s *MongoCheckpointStore) SaveCheckpoint(ctx context.Context, cp api.Checkpoint) error {
	payload, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	doc := mongoCheckpointDoc{
		SessionID: cp.SessionID,
		RunID:     cp.RunID,
		Graph:     cp.Graph,
		Step:      cp.Step,
		Next:      cp.Next,
		Seq:       s.nextSeq(),
		Payload:   payload,
		CreatedAt: cp.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("persistence: mongo save checkpoint: %w", err)
	}
	if s.maxHistory <= 0 {
		return nil
	}
	return s.trim(ctx, cp.SessionID)
}

// trim deletes everything older than the newest maxHistory documents.
func (s *MongoCheckpointStore) trim(ctx context.Context, sessionID string) error {
	var oldestKept mongoCheckpointDoc
	err := s.coll.FindOne(ctx,
		bson.M{"session_id": sessionID},
		options.FindOne().
			SetSort(bson.D{{Key: "seq", Value: -1}}).
			SetSkip(int64(s.maxHistory-1)).
			SetProjection(bson.M{"seq": 1}),
	).Decode(&oldestKept)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persistence: mongo trim checkpoints: %w", err)
	}
	if _, err := s.coll.DeleteMany(ctx, bson.M{"session_id": sessionID, "seq": bson.M{"$lt": oldestKept.Seq}}); err != nil {
		return fmt.Errorf("persistence: mongo trim checkpoints: %w", err)
	}
	return nil
}

func (s *MongoCheckpointStore) LoadCheckpoint(ctx context.Context, sessionID string) (api.Checkpoint, error) {
	var doc mongoCheckpointDoc
	err := s.coll.FindOne(ctx,
		bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Checkpoint{}, api.ErrCheckpointNotFound
		}
		return api.Checkpoint{}, fmt.Errorf("persistence: mongo load checkpoint: %w", err)
	}
	return DecodeCheckpoint(doc.Payload)
}

func (s *MongoCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]api.Checkpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: mongo list checkpoints: %w", err)
	}
	defer cur.Close(ctx)

	var out []api.Checkpoint
	for cur.Next(ctx) {
		var doc mongoCheckpointDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		cp, err := DecodeCheckpoint(doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, cur.Err()
}
