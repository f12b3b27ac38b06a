// Package store persists coordinator state in MongoDB: manager and volunteer
// accounts, workflows, tasks and the message log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	// ErrNotFound is returned when a lookup matches no document.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("store: duplicate")
)

const opTimeout = 5 * time.Second

// Options configures a Store.
type Options struct {
	URI      string
	Database string
}

// Store wraps the MongoDB collections used by the coordinator.
type Store struct {
	client     *mongo.Client
	managers   *mongo.Collection
	volunteers *mongo.Collection
	workflows  *mongo.Collection
	tasks      *mongo.Collection
	messageLog *mongo.Collection
}

// New connects to MongoDB, verifies reachability and ensures the unique
// indexes the account collections rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("store: URI is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("store: database name is required")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := client.Database(opts.Database)
	s := &Store{
		client:     client,
		managers:   db.Collection("managers"),
		volunteers: db.Collection("volunteers"),
		workflows:  db.Collection("workflows"),
		tasks:      db.Collection("tasks"),
		messageLog: db.Collection("message_log"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close releases the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	unique := options.Index().SetUnique(true)

	if _, err := s.managers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"username": 1}, Options: unique},
		{Keys: map[string]int{"email": 1}, Options: unique},
	}); err != nil {
		return fmt.Errorf("store: manager indexes: %w", err)
	}

	// Volunteer usernames are optional; the sparse index only constrains
	// documents that carry one.
	if _, err := s.volunteers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"username": 1}, Options: options.Index().SetUnique(true).SetSparse(true)},
	}); err != nil {
		return fmt.Errorf("store: volunteer indexes: %w", err)
	}

	if _, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"workflow_id": 1}},
		{Keys: map[string]int{"volunteer_id": 1}},
	}); err != nil {
		return fmt.Errorf("store: task indexes: %w", err)
	}

	if _, err := s.messageLog.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"channel": 1}},
		{Keys: map[string]int{"request_id": 1}},
	}); err != nil {
		return fmt.Errorf("store: message log indexes: %w", err)
	}
	return nil
}

func mapWriteErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func mapReadErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
