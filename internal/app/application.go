package app

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ticket_portal/internal/config"
	"github.com/R3E-Network/ticket_portal/internal/datastore"
	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/metrics"
	"github.com/R3E-Network/ticket_portal/internal/middleware"
	"github.com/R3E-Network/ticket_portal/internal/quota"
	"github.com/R3E-Network/ticket_portal/internal/routes"
	"github.com/R3E-Network/ticket_portal/internal/server"
	"github.com/R3E-Network/ticket_portal/internal/startup"
	"github.com/R3E-Network/ticket_portal/internal/static"
	"github.com/R3E-Network/ticket_portal/internal/tlspolicy"
)

// AppName is reported to the datastore and used as the log service name.
const AppName = "ticket-portal"

// Option customises an Application.
type Option func(*Application)

// WithHandlers supplies the domain routers mounted under the API prefixes.
func WithHandlers(h routes.Handlers) Option {
	return func(a *Application) { a.handlers = h }
}

// WithConnector replaces the scheme-dispatching datastore dialer.
func WithConnector(c datastore.Connector) Option {
	return func(a *Application) { a.connector = c }
}

// WithListenFunc replaces net.Listen.
func WithListenFunc(fn startup.ListenFunc) Option {
	return func(a *Application) { a.listen = fn }
}

// WithQuotaChecker replaces the checker built from configuration.
func WithQuotaChecker(c quota.Checker) Option {
	return func(a *Application) { a.checker = c }
}

// WithStaticFS enables the SPA fallback over fsys instead of STATIC_DIR.
func WithStaticFS(fsys fs.FS) Option {
	return func(a *Application) { a.staticFS = fsys }
}

// Application wires the portal's components and owns their lifecycle.
type Application struct {
	cfg     *config.ServiceConfig
	log     *logging.Logger
	metrics *metrics.Metrics
	policy  tlspolicy.Policy

	handlers  routes.Handlers
	connector datastore.Connector
	listen    startup.ListenFunc
	checker   quota.Checker
	staticFS  fs.FS

	composer  *routes.Composer
	fallback  *static.Fallback
	handler   http.Handler
	sequencer *startup.Sequencer
	closers   []func()
}

// New builds the application. Every route is registered here, before the
// datastore is connected; traffic starts flowing only once Run binds.
func New(cfg *config.ServiceConfig, log *logging.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logging.New(AppName, cfg.LogLevel, cfg.LogFormat)
	}

	a := &Application{
		cfg:       cfg,
		log:       log,
		metrics:   metrics.New(),
		connector: datastore.Dialer{},
		listen:    net.Listen,
	}
	for _, opt := range opts {
		opt(a)
	}

	policy, err := tlspolicy.Parse(cfg.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("tls policy: %w", err)
	}
	a.policy = policy

	keys, err := middleware.ParseKeySet(cfg.JWTSecret, cfg.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("auth gate: %w", err)
	}

	if err := a.buildFallback(); err != nil {
		return nil, err
	}
	if err := a.buildChecker(); err != nil {
		return nil, err
	}

	gate := middleware.NewGate(
		middleware.NewAuthMiddleware(keys, log, a.metrics),
		middleware.NewStatsMiddleware(a.checker, log, a.metrics),
	)

	a.composer = routes.NewComposer(mux.NewRouter(), gate)
	if err := a.composer.MountAll(routes.DefaultGroups(a.handlers)); err != nil {
		a.close()
		return nil, fmt.Errorf("mount routes: %w", err)
	}
	a.composer.HandleHealth()
	if !cfg.MetricsDisabled {
		a.composer.HandleMetrics(a.metrics.Handler())
	}
	if a.fallback != nil {
		a.composer.Fallback(a.fallback)
	} else {
		a.composer.Fallback(nil)
	}

	a.handler = middleware.Chain(
		middleware.NewTracingMiddleware().Handler,
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(a.metrics),
		middleware.NewCORSMiddleware(cfg.AllowedOrigins()).Handler,
		middleware.BodyParser(cfg.BodyLimit),
	)(a.composer)

	a.sequencer = startup.New(startup.Params{
		Config:    cfg,
		Policy:    a.policy,
		Connector: a.connector,
		Server:    server.New(a.handler),
		Listen:    a.listen,
		Logger:    log,
		Metrics:   a.metrics,
		AppName:   AppName,
	})

	log.WithFields(map[string]interface{}{
		"port":     cfg.Port,
		"origins":  cfg.AllowedOrigins(),
		"static":   a.fallback != nil,
		"tls_min":  a.policy.String(),
		"metrics":  !cfg.MetricsDisabled,
		"database": cfg.DBName,
	}).Info("Application configured")

	return a, nil
}

func (a *Application) buildFallback() error {
	var (
		fallback *static.Fallback
		err      error
	)
	switch {
	case a.staticFS != nil:
		fallback, err = static.New(a.staticFS, a.cfg.StaticIndex)
	case a.cfg.StaticEnabled():
		fallback, err = static.NewDir(a.cfg.StaticDir, a.cfg.StaticIndex)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}
	a.fallback = fallback
	return nil
}

func (a *Application) buildChecker() error {
	if a.checker != nil {
		return nil
	}

	if a.cfg.QuotaRedisURL != "" {
		client, err := quota.NewRedisClient(a.cfg.QuotaRedisURL, a.policy)
		if err != nil {
			return fmt.Errorf("quota: %w", err)
		}
		checker := quota.NewRedisChecker(client, a.cfg.QuotaLimit, a.cfg.QuotaWindow)
		a.checker = checker
		a.closers = append(a.closers, func() {
			if err := checker.Close(); err != nil {
				a.log.WithError(err).Warn("Error closing quota redis client")
			}
		})
		return nil
	}

	checker := quota.NewMemoryChecker(a.cfg.QuotaRPS, a.cfg.QuotaBurst)
	stop, err := checker.StartCleanup(a.cfg.QuotaCleanup)
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	a.checker = checker
	a.closers = append(a.closers, stop)
	return nil
}

// Run executes the startup sequence and serves until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.close()
	return a.sequencer.Run(ctx)
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Handler returns the full middleware chain in front of the router.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Routes returns the mounted route groups in match order.
func (a *Application) Routes() []routes.Group {
	return a.composer.Groups()
}

// Store returns the connected datastore, or nil before the sequence connects.
// Domain handlers built before Run reach the store through this accessor.
func (a *Application) Store() datastore.Store {
	return a.sequencer.Store()
}

// Ready is closed once the listener is bound.
func (a *Application) Ready() <-chan struct{} {
	return a.sequencer.Ready()
}

// Addr returns the bound listener address.
func (a *Application) Addr() net.Addr {
	return a.sequencer.Addr()
}

// State returns the startup state.
func (a *Application) State() startup.State {
	return a.sequencer.State()
}

// Metrics returns the application's collectors.
func (a *Application) Metrics() *metrics.Metrics {
	return a.metrics
}
