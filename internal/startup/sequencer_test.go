package startup

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ticket_portal/internal/config"
	"github.com/R3E-Network/ticket_portal/internal/datastore"
	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/metrics"
	"github.com/R3E-Network/ticket_portal/internal/tlspolicy"
)

type fakeStore struct {
	closed atomic.Bool
}

func (s *fakeStore) Ping(context.Context) error  { return nil }
func (s *fakeStore) Close(context.Context) error { s.closed.Store(true); return nil }
func (s *fakeStore) Backend() string             { return "fake" }

// fakeServer blocks in Serve until Shutdown.
type fakeServer struct {
	once     sync.Once
	stop     chan struct{}
	served   atomic.Bool
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{stop: make(chan struct{})}
}

func (s *fakeServer) Serve(l net.Listener) error {
	s.served.Store(true)
	<-s.stop
	return l.Close()
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	s.once.Do(func() { close(s.stop) })
	return nil
}

type listenRecorder struct {
	calls atomic.Int32
	err   error
}

func (r *listenRecorder) Listen(network, _ string) (net.Listener, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return net.Listen(network, "127.0.0.1:0")
}

const listeningState = `
# HELP ticket_portal_startup_state 1 for the current startup state, 0 otherwise.
# TYPE ticket_portal_startup_state gauge
ticket_portal_startup_state{state="config_validated"} 0
ticket_portal_startup_state{state="connecting"} 0
ticket_portal_startup_state{state="failed"} 0
ticket_portal_startup_state{state="init"} 0
ticket_portal_startup_state{state="listening"} 1
ticket_portal_startup_state{state="stopped"} 0
`

func testConfig(uri string) *config.ServiceConfig {
	cfg := &config.ServiceConfig{MongoURI: uri}
	cfg.ApplyDefaults()
	return cfg
}

func TestMissingURINeverListens(t *testing.T) {
	listener := &listenRecorder{}
	var connects atomic.Int32
	seq := New(Params{
		Config: testConfig(""),
		Connector: datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
			connects.Add(1)
			return &fakeStore{}, nil
		}),
		Server: newFakeServer(),
		Listen: listener.Listen,
		Logger: logging.NewNop(),
	})

	err := seq.Run(context.Background())

	assert.ErrorIs(t, err, ErrMissingDatastoreURI)
	assert.Zero(t, listener.calls.Load())
	assert.Zero(t, connects.Load())
	assert.Equal(t, StateFailed, seq.State())
}

func TestConnectFailureNeverListens(t *testing.T) {
	listener := &listenRecorder{}
	server := newFakeServer()
	seq := New(Params{
		Config: testConfig("mongodb://db.invalid:27017"),
		Connector: datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
			return nil, errors.New("server selection timeout")
		}),
		Server: server,
		Listen: listener.Listen,
	})

	err := seq.Run(context.Background())

	assert.ErrorIs(t, err, ErrDatastoreConnect)
	assert.Contains(t, err.Error(), "server selection timeout")
	assert.Zero(t, listener.calls.Load())
	assert.False(t, server.served.Load())
	assert.Equal(t, StateFailed, seq.State())
	assert.Equal(t, datastore.Failed, seq.ConnectionState())
}

func TestListensOnlyAfterConnect(t *testing.T) {
	listener := &listenRecorder{}
	server := newFakeServer()
	store := &fakeStore{}
	entered := make(chan struct{})
	release := make(chan struct{})

	var gotOpts datastore.Options
	m := metrics.New()
	cfg := testConfig("mongodb://db.example.com:27017")
	cfg.DBName = "tickets"

	seq := New(Params{
		Config: cfg,
		Policy: tlspolicy.Policy{MinVersion: 0x0304},
		Connector: datastore.ConnectorFunc(func(_ context.Context, _ string, opts datastore.Options) (datastore.Store, error) {
			gotOpts = opts
			close(entered)
			<-release
			return store, nil
		}),
		Server:  server,
		Listen:  listener.Listen,
		Metrics: m,
		AppName: "ticket-portal",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	<-entered
	assert.Zero(t, listener.calls.Load(), "listener bound before the datastore connected")
	assert.Equal(t, StateConnecting, seq.State())
	assert.Nil(t, seq.Addr())
	close(release)

	select {
	case <-seq.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer never became ready")
	}
	assert.Equal(t, int32(1), listener.calls.Load())
	assert.Equal(t, StateListening, seq.State())
	assert.NotNil(t, seq.Addr())
	assert.Same(t, store, seq.Store())
	assert.Equal(t, "tickets", gotOpts.DBName)
	assert.Equal(t, "ticket-portal", gotOpts.AppName)
	assert.Equal(t, uint16(0x0304), gotOpts.TLS.MinVersion)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(listeningState), "ticket_portal_startup_state"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, server.shutdown.Load())
	assert.True(t, store.closed.Load())
	assert.Nil(t, seq.Store())
	assert.Equal(t, StateStopped, seq.State())
	assert.Equal(t, datastore.Disconnected, seq.ConnectionState())
}

func TestCancelWhileConnecting(t *testing.T) {
	listener := &listenRecorder{}
	store := &fakeStore{}
	entered := make(chan struct{})
	release := make(chan struct{})

	seq := New(Params{
		Config: testConfig("mongodb://db.example.com:27017"),
		Connector: datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
			close(entered)
			<-release
			return store, nil
		}),
		Server: newFakeServer(),
		Listen: listener.Listen,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	<-entered
	cancel()
	err := <-done

	assert.ErrorIs(t, err, ErrDatastoreConnect)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, listener.calls.Load())
	assert.Equal(t, StateFailed, seq.State())

	// a connection that completes after the sequencer gave up is closed
	close(release)
	assert.Eventually(t, store.closed.Load, 5*time.Second, 10*time.Millisecond)
}

func TestConnectTimeout(t *testing.T) {
	listener := &listenRecorder{}
	cfg := testConfig("postgres://db.example.com/tickets")
	cfg.ConnectTimeout = 20 * time.Millisecond

	seq := New(Params{
		Config: cfg,
		Connector: datastore.ConnectorFunc(func(ctx context.Context, _ string, _ datastore.Options) (datastore.Store, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Server: newFakeServer(),
		Listen: listener.Listen,
	})

	err := seq.Run(context.Background())

	assert.ErrorIs(t, err, ErrDatastoreConnect)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, listener.calls.Load())
}

func TestListenFailureClosesStore(t *testing.T) {
	listener := &listenRecorder{err: errors.New("address already in use")}
	store := &fakeStore{}
	server := newFakeServer()

	seq := New(Params{
		Config: testConfig("mongodb://db.example.com:27017"),
		Connector: datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
			return store, nil
		}),
		Server: server,
		Listen: listener.Listen,
	})

	err := seq.Run(context.Background())

	assert.ErrorIs(t, err, ErrListen)
	assert.Contains(t, err.Error(), ":3000")
	assert.True(t, store.closed.Load())
	assert.False(t, server.served.Load())
	assert.Equal(t, StateFailed, seq.State())
}

func TestNilStoreIsAFailure(t *testing.T) {
	listener := &listenRecorder{}
	seq := New(Params{
		Config: testConfig("mongodb://db.example.com:27017"),
		Connector: datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
			return nil, nil
		}),
		Server: newFakeServer(),
		Listen: listener.Listen,
	})

	assert.ErrorIs(t, seq.Run(context.Background()), ErrDatastoreConnect)
	assert.Zero(t, listener.calls.Load())
}

func TestRunOnlyOnce(t *testing.T) {
	seq := New(Params{
		Config:    testConfig(""),
		Connector: datastore.Dialer{},
		Server:    newFakeServer(),
	})

	assert.ErrorIs(t, seq.Run(context.Background()), ErrMissingDatastoreURI)
	assert.ErrorIs(t, seq.Run(context.Background()), ErrAlreadyStarted)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "state(42)", State(42).String())
}
