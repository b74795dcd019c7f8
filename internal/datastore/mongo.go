package datastore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore is a connected MongoDB client bound to one database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo connects and pings the primary before returning.
func ConnectMongo(ctx context.Context, uri string, opts Options) (*MongoStore, error) {
	clientOpts, err := mongoClientOptions(uri, opts)
	if err != nil {
		return nil, err
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	// mongo.Connect is lazy; the ping is the connection acknowledgement.
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(opts.DBName),
	}, nil
}

// mongoClientOptions builds driver options from the URI. When the URI enables
// TLS the policy raises the minimum version on the driver's TLS config.
func mongoClientOptions(uri string, opts Options) (*options.ClientOptions, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if opts.AppName != "" {
		clientOpts.SetAppName(opts.AppName)
	}
	if err := clientOpts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongo uri: %w", err)
	}
	if clientOpts.TLSConfig != nil {
		opts.TLS.Apply(clientOpts.TLSConfig)
	}
	return clientOpts, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Backend() string {
	return "mongodb"
}

// Database returns the configured database for route handlers.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// Client returns the underlying driver client.
func (s *MongoStore) Client() *mongo.Client {
	return s.client
}
