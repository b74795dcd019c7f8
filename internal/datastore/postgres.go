package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore is a connected Postgres pool.
//
// lib/pq builds its own TLS config from sslmode; the crypto/tls client
// default minimum is already TLS 1.2, so the policy needs no injection here.
type PostgresStore struct {
	db *sqlx.DB
}

// ConnectPostgres opens the pool and pings before returning.
func ConnectPostgres(ctx context.Context, uri string, _ Options) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return store, nil
}

// NewPostgresStore wraps an already opened database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (s *PostgresStore) Backend() string {
	return "postgres"
}

// DB returns the sqlx handle for route handlers.
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}
