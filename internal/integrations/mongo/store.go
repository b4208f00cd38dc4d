package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	DefaultCollection = "cpe"
	nameIndex         = "name_unique"
)

type bulkWriter interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

type StoreStats struct {
	ConnectionHealthy bool      `json:"connection_healthy"`
	Batches           int64     `json:"batches"`
	Created           int64     `json:"created"`
	Updated           int64     `json:"updated"`
	Failed            int64     `json:"failed"`
	LastWriteAt       time.Time `json:"last_write_at"`
	LastError         string    `json:"last_error,omitempty"`
}

type StoreOption func(*Store)

func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithCollection(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.collection = name
		}
	}
}

// Store keeps canonical records in a single collection keyed by name.
type Store struct {
	client     *mongo.Client
	coll       *mongo.Collection
	writer     bulkWriter
	database   string
	collection string
	logger     *zap.Logger

	statsMu sync.RWMutex
	stats   StoreStats
}

func NewStore(ctx context.Context, uri, database string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		database:   database,
		collection: DefaultCollection,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	s.client = client
	s.coll = client.Database(s.database).Collection(s.collection)
	s.writer = s.coll

	if err := s.Ping(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	s.logger.Info("MongoDB store connected",
		zap.String("database", s.database),
		zap.String("collection", s.collection))
	return s, nil
}

// EnsureSchema creates the unique index on name.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(nameIndex),
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := s.client.Ping(ctx, readpref.Primary())

	s.statsMu.Lock()
	s.stats.ConnectionHealthy = err == nil
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
	return err
}

func (s *Store) Close(ctx context.Context) error {
	s.statsMu.Lock()
	s.stats.ConnectionHealthy = false
	s.statsMu.Unlock()

	return s.client.Disconnect(ctx)
}

func replaceModels(batch []cpe.Record) []mongo.WriteModel {
	models := make([]mongo.WriteModel, len(batch))
	for i, rec := range batch {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "name", Value: rec.Name}}).
			SetReplacement(rec).
			SetUpsert(true)
	}
	return models
}

// Apply upserts batch with one unordered bulk write. Operations that created
// a document show up in UpsertedIDs by index; failed operations are listed
// in the bulk write exception. Everything else matched an existing document.
func (s *Store) Apply(ctx context.Context, batch []cpe.Record) (ingest.ApplyResult, error) {
	batch = ingest.Dedupe(batch)
	if len(batch) == 0 {
		return ingest.ApplyResult{}, nil
	}

	res, err := s.writer.BulkWrite(ctx, replaceModels(batch), options.BulkWrite().SetOrdered(false))

	failed := make(map[int]error)
	var bwe mongo.BulkWriteException
	if err != nil {
		if !errors.As(err, &bwe) {
			s.recordFailure(len(batch), err)
			return ingest.ApplyResult{}, fmt.Errorf("bulk write: %w", err)
		}
		for _, we := range bwe.WriteErrors {
			failed[we.Index] = we
		}
	}

	var upserted map[int64]interface{}
	if res != nil {
		upserted = res.UpsertedIDs
	}

	var out ingest.ApplyResult
	for i, rec := range batch {
		if _, ok := failed[i]; ok {
			continue
		}
		if _, ok := upserted[int64(i)]; ok {
			out.Created = append(out.Created, rec.Name)
		} else {
			out.Updated = append(out.Updated, rec.Name)
		}
	}

	s.statsMu.Lock()
	s.stats.Batches++
	s.stats.Created += int64(len(out.Created))
	s.stats.Updated += int64(len(out.Updated))
	s.stats.Failed += int64(len(failed))
	s.stats.LastWriteAt = time.Now()
	s.statsMu.Unlock()

	if err != nil {
		s.recordFailure(0, err)
		return out, &ingest.BulkWriteError{Result: out, Failed: len(failed), Err: err}
	}

	s.logger.Debug("batch applied",
		zap.Int("size", len(batch)),
		zap.Int("created", len(out.Created)),
		zap.Int("updated", len(out.Updated)))
	return out, nil
}

func (s *Store) recordFailure(n int, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Failed += int64(n)
	s.stats.LastError = err.Error()
}

type document struct {
	ID         primitive.ObjectID `bson:"_id"`
	cpe.Record `bson:",inline"`
}

func (s *Store) Get(ctx context.Context, name string) (ingest.Document, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ingest.Document{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Document{}, err
	}
	return ingest.Document{ID: doc.ID.Hex(), Record: doc.Record}, nil
}

func (s *Store) Stats() StoreStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}
