// Package mongo provides a MongoDB configuration store.
//
// Each value is a document {key, value, updated_at} in a single collection
// with a unique index on key. The store also implements clue's health.Pinger
// so it can be reported by the relay health endpoint.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/coderelay/runtime/configstore"
)

const (
	// DefaultDatabase is the database used when Options.Database is empty.
	DefaultDatabase = "code-interpreter-db"
	// DefaultCollection is the collection used when Options.Collection is
	// empty.
	DefaultCollection = "app_config"

	defaultOpTimeout = 5 * time.Second
	pingerName       = "config-mongo"
)

type (
	// Options configures the store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		// Timeout bounds every operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a MongoDB backed configstore.Store.
	Store struct {
		client  *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	configDocument struct {
		Key       string    `bson:"key"`
		Value     string    `bson:"value"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

var (
	_ configstore.Store = (*Store)(nil)
	_ health.Pinger     = (*Store)(nil)
)

// New returns a store using the configured collection and ensures its index
// exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	db := opts.Database
	if db == "" {
		db = DefaultDatabase
	}
	collName := opts.Collection
	if collName == "" {
		collName = DefaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		coll:    opts.Client.Database(db).Collection(collName),
		timeout: timeout,
	}
	ictx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := ensureIndexes(ictx, s.coll); err != nil {
		return nil, fmt.Errorf("mongodb config indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return pingerName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc configDocument
	if err := s.coll.FindOne(ctx, bson.M{"key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", configstore.ErrNotFound
		}
		return "", fmt.Errorf("mongodb get config %q: %w", key, err)
	}
	return doc.Value, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"key":        key,
		"value":      value,
		"updated_at": time.Now().UTC(),
	}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"key": key}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb set config %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"key": key}); err != nil {
		return fmt.Errorf("mongodb delete config %q: %w", key, err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
