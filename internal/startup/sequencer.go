// Package startup brings the portal up in a fixed order: validate the
// configuration, connect to the datastore, and only then bind the listener.
// The process never accepts traffic it cannot serve.
package startup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/R3E-Network/ticket_portal/internal/config"
	"github.com/R3E-Network/ticket_portal/internal/datastore"
	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/metrics"
	"github.com/R3E-Network/ticket_portal/internal/tlspolicy"
)

var (
	// ErrMissingDatastoreURI means MONGODB_URI was not configured.
	ErrMissingDatastoreURI = errors.New("datastore uri is not configured (MONGODB_URI)")
	// ErrDatastoreConnect wraps the connector's failure.
	ErrDatastoreConnect = errors.New("datastore connection failed")
	// ErrListen wraps a bind failure after the datastore connected.
	ErrListen = errors.New("listen failed")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("startup sequence already ran")
)

// State is the sequencer's position in the startup sequence.
type State int

const (
	StateInit State = iota
	StateConfigValidated
	StateConnecting
	StateListening
	StateFailed
	StateStopped
)

var stateNames = []string{"init", "config_validated", "connecting", "listening", "failed", "stopped"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ListenFunc binds a listener; net.Listen in production.
type ListenFunc func(network, address string) (net.Listener, error)

// Server serves HTTP on a bound listener.
type Server interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
}

// Params are the sequencer's collaborators. Connector, Server and Config
// are required.
type Params struct {
	Config    *config.ServiceConfig
	Policy    tlspolicy.Policy
	Connector datastore.Connector
	Server    Server
	Listen    ListenFunc
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	AppName   string
}

// Sequencer runs the startup sequence once.
type Sequencer struct {
	cfg       *config.ServiceConfig
	policy    tlspolicy.Policy
	connector datastore.Connector
	server    Server
	listen    ListenFunc
	logger    *logging.Logger
	metrics   *metrics.Metrics
	appName   string

	conn  *datastore.Connection
	ready chan struct{}

	mu      sync.RWMutex
	started bool
	state   State
	store   datastore.Store
	addr    net.Addr
}

// New creates a sequencer in StateInit.
func New(p Params) *Sequencer {
	if p.Listen == nil {
		p.Listen = net.Listen
	}
	if p.Logger == nil {
		p.Logger = logging.NewNop()
	}
	s := &Sequencer{
		cfg:       p.Config,
		policy:    p.Policy,
		connector: p.Connector,
		server:    p.Server,
		listen:    p.Listen,
		logger:    p.Logger,
		metrics:   p.Metrics,
		appName:   p.AppName,
		conn:      datastore.NewConnection(),
		ready:     make(chan struct{}),
	}
	s.setState(StateInit)
	return s
}

// Run executes the sequence and serves until ctx is cancelled. It returns
// nil after a clean shutdown and an error for every failed step.
func (s *Sequencer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	uri, ok := s.cfg.DatastoreURI()
	if !ok {
		s.setState(StateFailed)
		s.logger.WithContext(ctx).Error("MONGODB_URI is not set; refusing to start")
		return ErrMissingDatastoreURI
	}
	s.setState(StateConfigValidated)

	store, err := s.connect(ctx, uri)
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	addr := s.cfg.ListenAddr()
	ln, err := s.listen("tcp", addr)
	if err != nil {
		s.closeStore(context.Background())
		s.setState(StateFailed)
		s.logger.WithContext(ctx).WithError(err).WithField("addr", addr).Error("Failed to bind listener")
		return fmt.Errorf("%w: %s: %w", ErrListen, addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.setState(StateListening)
	close(s.ready)

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"addr":    ln.Addr().String(),
		"backend": store.Backend(),
	}).Infof("Server is up and running on port %d", s.cfg.Port)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.closeStore(context.Background())
		if err != nil {
			s.setState(StateFailed)
			return fmt.Errorf("serve: %w", err)
		}
		s.setState(StateStopped)
		return nil
	case <-ctx.Done():
		return s.shutdown(serveErr)
	}
}

// connect runs the connector on its own goroutine so cancellation and
// CONNECT_TIMEOUT can end the wait.
func (s *Sequencer) connect(ctx context.Context, uri string) (datastore.Store, error) {
	if err := s.conn.Transition(datastore.Connecting); err != nil {
		return nil, err
	}
	s.setState(StateConnecting)

	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	opts := datastore.Options{
		DBName:  s.cfg.DBName,
		AppName: s.appName,
		TLS:     s.policy,
	}
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"uri":         datastore.Redact(uri),
		"db":          opts.DBName,
		"tls_min":     s.policy.String(),
		"timeout_sec": s.cfg.ConnectTimeout.Seconds(),
	})
	log.Info("Connecting to datastore")

	type result struct {
		store datastore.Store
		err   error
	}
	results := make(chan result, 1)
	start := time.Now()
	go func() {
		store, err := s.connector.Connect(ctx, uri, opts)
		results <- result{store: store, err: err}
	}()

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			// a late success must not leak the client
			if late := <-results; late.store != nil {
				_ = late.store.Close(context.Background())
			}
		}()
	}
	if res.err == nil && res.store == nil {
		res.err = errors.New("connector returned no store")
	}

	backend := ""
	if res.store != nil {
		backend = res.store.Backend()
	} else if scheme, err := datastore.Scheme(uri); err == nil {
		backend = scheme
	}
	if s.metrics != nil {
		s.metrics.RecordConnect(backend, time.Since(start), res.err == nil)
	}

	if res.err != nil {
		_ = s.conn.Transition(datastore.Failed)
		log.WithError(res.err).Error("Error connecting to the datastore")
		return nil, fmt.Errorf("%w: %w", ErrDatastoreConnect, res.err)
	}

	_ = s.conn.Transition(datastore.Connected)
	s.mu.Lock()
	s.store = res.store
	s.mu.Unlock()
	log.WithField("backend", backend).Info("Connected to datastore")
	return res.store, nil
}

func (s *Sequencer) shutdown(serveErr <-chan error) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.WithContext(ctx).WithField("timeout", timeout.String()).Info("Shutting down")

	err := s.server.Shutdown(ctx)
	select {
	case <-serveErr:
	case <-ctx.Done():
	}
	s.closeStore(ctx)
	s.setState(StateStopped)

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Sequencer) closeStore(ctx context.Context) {
	s.mu.Lock()
	store := s.store
	s.store = nil
	s.mu.Unlock()
	if store == nil {
		return
	}

	if err := store.Close(ctx); err != nil {
		s.logger.WithError(err).Warn("Error closing datastore connection")
	}
	_ = s.conn.Transition(datastore.Disconnected)
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetStartupState(state.String(), stateNames)
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectionState returns the datastore connection state.
func (s *Sequencer) ConnectionState() datastore.State {
	return s.conn.State()
}

// Ready is closed once the listener is bound.
func (s *Sequencer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before StateListening.
func (s *Sequencer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Store returns the connected store, or nil when not connected.
func (s *Sequencer) Store() datastore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}
