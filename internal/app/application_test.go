package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ticket_portal/internal/config"
	"github.com/R3E-Network/ticket_portal/internal/datastore"
	"github.com/R3E-Network/ticket_portal/internal/logging"
	"github.com/R3E-Network/ticket_portal/internal/middleware"
	"github.com/R3E-Network/ticket_portal/internal/quota"
	"github.com/R3E-Network/ticket_portal/internal/routes"
	"github.com/R3E-Network/ticket_portal/internal/startup"
)

const testSecret = "app-secret"

type nopStore struct{ closed atomic.Bool }

func (s *nopStore) Ping(context.Context) error  { return nil }
func (s *nopStore) Close(context.Context) error { s.closed.Store(true); return nil }
func (s *nopStore) Backend() string             { return "mongodb" }

type countingHandler struct{ calls atomic.Int32 }

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	w.WriteHeader(http.StatusOK)
}

func testConfig() *config.ServiceConfig {
	cfg := &config.ServiceConfig{
		MongoURI:  "mongodb://db.example.com:27017",
		JWTSecret: testSecret,
	}
	cfg.ApplyDefaults()
	return cfg
}

func okConnector(store datastore.Store) datastore.Connector {
	return datastore.ConnectorFunc(func(context.Context, string, datastore.Options) (datastore.Store, error) {
		return store, nil
	})
}

func loopback(network, _ string) (net.Listener, error) {
	return net.Listen(network, "127.0.0.1:0")
}

func token(t *testing.T, userID string) string {
	t.Helper()
	claims := &middleware.Claims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func newTestApp(t *testing.T, opts ...Option) *Application {
	t.Helper()
	opts = append([]Option{WithConnector(okConnector(&nopStore{})), WithListenFunc(loopback)}, opts...)
	a, err := New(testConfig(), logging.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func do(a *Application, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresVerificationKey(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""

	_, err := New(cfg, logging.NewNop())
	assert.Error(t, err)
}

func TestNewRejectsWeakTLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLSMinVersion = "1.0"

	_, err := New(cfg, logging.NewNop())
	assert.Error(t, err)
}

func TestNewFailsOnMissingStaticEntry(t *testing.T) {
	_, err := New(testConfig(), logging.NewNop(), WithStaticFS(fstest.MapFS{"app.js": {Data: []byte("x")}}))
	assert.Error(t, err)
}

func TestRouteOrder(t *testing.T) {
	a := newTestApp(t)

	var prefixes []string
	for _, g := range a.Routes() {
		prefixes = append(prefixes, g.Prefix)
	}
	assert.Equal(t, []string{"/auth", "/otp", "/ticket", "/query"}, prefixes)
}

func TestPipeline(t *testing.T) {
	ticket := &countingHandler{}
	query := &countingHandler{}
	a := newTestApp(t,
		WithHandlers(routes.Handlers{Ticket: ticket, Query: query}),
		WithQuotaChecker(quota.AllowAll),
	)

	t.Run("health check", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/health-check", map[string]string{"Origin": "http://localhost:3000"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"message":"Yeah, I'm Alive!!"}`, rec.Body.String())
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))
	})

	t.Run("gated without token", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/ticket/1", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, ticket.calls.Load())
	})

	t.Run("gated with token", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/ticket/1", map[string]string{"Authorization": token(t, "u1")})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(1), ticket.calls.Load())
	})

	t.Run("query is public", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/query/events", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(1), query.calls.Load())
	})

	t.Run("missing domain router", func(t *testing.T) {
		rec := do(a, http.MethodPost, "/auth/login", nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := do(a, http.MethodOptions, "/ticket/1", map[string]string{
			"Origin":                        "http://localhost:3000",
			"Access-Control-Request-Method": "POST",
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("unmatched without static bundle", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/some/client/route", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := do(a, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ticket_portal_http_requests_total")
	})
}

func TestQuotaDenial(t *testing.T) {
	ticket := &countingHandler{}
	deny := quota.CheckerFunc(func(context.Context, string) (bool, error) { return false, nil })
	a := newTestApp(t, WithHandlers(routes.Handlers{Ticket: ticket}), WithQuotaChecker(deny))

	rec := do(a, http.MethodGet, "/ticket", map[string]string{"Authorization": token(t, "u1")})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, ticket.calls.Load())
}

func TestStaticFallbackVariant(t *testing.T) {
	bundle := fstest.MapFS{
		"index.html":    {Data: []byte("<html>portal</html>")},
		"assets/app.js": {Data: []byte("app()")},
	}
	a := newTestApp(t, WithStaticFS(bundle))

	rec := do(a, http.MethodGet, "/some/client/route", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>portal</html>", rec.Body.String())

	rec = do(a, http.MethodGet, "/assets/app.js", nil)
	assert.Equal(t, "app()", rec.Body.String())

	// API prefixes win over the fallback
	rec = do(a, http.MethodGet, "/otp", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsDisabled = true
	a, err := New(cfg, logging.NewNop(), WithConnector(okConnector(&nopStore{})))
	require.NoError(t, err)
	defer a.close()

	rec := do(a, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunServesAfterConnect(t *testing.T) {
	store := &nopStore{}
	a := newTestApp(t, WithConnector(okConnector(store)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("application never became ready")
	}
	assert.Same(t, store, a.Store())
	assert.Equal(t, startup.StateListening, a.State())

	resp, err := http.Get("http://" + a.Addr().String() + "/health-check")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "Alive"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, store.closed.Load())
}

func TestRunWithoutDatastoreURI(t *testing.T) {
	var listens atomic.Int32
	cfg := testConfig()
	cfg.MongoURI = ""

	a, err := New(cfg, logging.NewNop(), WithListenFunc(func(network, addr string) (net.Listener, error) {
		listens.Add(1)
		return loopback(network, addr)
	}))
	require.NoError(t, err)

	assert.ErrorIs(t, a.Run(context.Background()), startup.ErrMissingDatastoreURI)
	assert.Zero(t, listens.Load())
}
