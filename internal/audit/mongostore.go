package audit

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "audit_log"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "audit-mongo"
)

// MongoOptions configures the Mongo-backed audit Store.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore implements Store and health.Pinger over a Mongo collection. The
// collection is append-only: this type exposes no update or delete method,
// enforcing the invariant in the interface shape rather than by convention
// alone.
type MongoStore struct {
	mongo   *mongodriver.Client
	entries *mongodriver.Collection
	timeout time.Duration
}

// NewMongoStore builds a MongoStore, ensuring the supporting indexes exist.
func NewMongoStore(opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &MongoStore{mongo: opts.Client, entries: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *MongoStore) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*MongoStore)(nil)

// Append inserts entry. Audit records are never rewritten once inserted.
func (s *MongoStore) Append(ctx context.Context, entry Entry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.entries.InsertOne(ctx, entry)
	return err
}

// Query lists entries matching filter, most recent first.
func (s *MongoStore) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := bson.M{}
	if filter.Actor != "" {
		query["actor"] = filter.Actor
	}
	if filter.Operation != "" {
		query["operation"] = filter.Operation
	}
	if !filter.Since.IsZero() {
		query["at"] = bson.M{"$gte": filter.Since.UTC()}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if filter.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.entries.Find(ctx, query, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Entry
	for cur.Next(ctx) {
		var e Entry
		if err := cur.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	atIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "at", Value: -1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, atIndex); err != nil {
		return err
	}
	actorIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "actor", Value: 1}, {Key: "at", Value: -1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, actorIndex)
	return err
}
