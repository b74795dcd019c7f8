// Package datastore connects the portal to its persistent store.
//
// The portal only needs a live connection before it accepts traffic; the
// schema belongs to the route handlers. Connect dispatches on the URI scheme:
// mongodb and mongodb+srv use the MongoDB driver, postgres and postgresql use
// lib/pq through sqlx.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/R3E-Network/ticket_portal/internal/tlspolicy"
)

var (
	// ErrUnsupportedScheme is returned for URIs no connector understands.
	ErrUnsupportedScheme = errors.New("unsupported datastore scheme")
	// ErrEmptyURI is returned when Connect is called without a URI.
	ErrEmptyURI = errors.New("datastore uri is empty")
)

// Options configure a connection attempt.
type Options struct {
	// DBName selects the database; it overrides any database in the URI.
	DBName string
	// AppName is reported to servers that support it.
	AppName string
	// TLS is applied to the client TLS config before the first handshake.
	TLS tlspolicy.Policy
}

// Store is a connected datastore.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Backend() string
}

// Connector opens a Store. Implementations must return only after the
// server acknowledged the connection, or with an error.
type Connector interface {
	Connect(ctx context.Context, uri string, opts Options) (Store, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, uri string, opts Options) (Store, error)

func (f ConnectorFunc) Connect(ctx context.Context, uri string, opts Options) (Store, error) {
	return f(ctx, uri, opts)
}

// Dialer is the default Connector, choosing a backend from the URI scheme.
type Dialer struct{}

// Connect implements Connector.
func (Dialer) Connect(ctx context.Context, uri string, opts Options) (Store, error) {
	scheme, err := Scheme(uri)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "mongodb", "mongodb+srv":
		store, err := ConnectMongo(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		store, err := ConnectPostgres(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Scheme returns the lower-cased scheme of uri.
func Scheme(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", ErrEmptyURI
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid datastore uri: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("%w: missing scheme", ErrUnsupportedScheme)
	}
	return strings.ToLower(parsed.Scheme), nil
}

// Redact hides credentials in uri for logging.
func Redact(uri string) string {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil || parsed.Scheme == "" {
		return "<invalid uri>"
	}
	return parsed.Redacted()
}
