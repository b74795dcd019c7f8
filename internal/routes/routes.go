// Package routes mounts the portal's route groups on a gorilla/mux router.
//
// A group prefix "/p" matches "/p" and anything under "/p/", never "/px".
// Groups are matched in the order they were mounted and the first match
// wins. The group handler sees the path relative to its prefix.
package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ticket_portal/internal/errors"
	"github.com/R3E-Network/ticket_portal/internal/httputil"
)

// Mount prefixes.
const (
	PrefixAuth    = "/auth"
	PrefixOTP     = "/otp"
	PrefixTicket  = "/ticket"
	PrefixQuery   = "/query"
	PathHealth    = "/health-check"
	PathMetrics   = "/metrics"
	HealthMessage = "Yeah, I'm Alive!!"
)

// Group binds a path prefix to a handler and, when Gated, the auth gate.
type Group struct {
	Prefix  string
	Gated   bool
	Handler http.Handler
}

// Handlers are the domain routers mounted under the API prefixes.
// A nil handler is mounted as a 501 placeholder.
type Handlers struct {
	Auth   http.Handler
	OTP    http.Handler
	Ticket http.Handler
	Query  http.Handler
}

// DefaultGroups returns the API groups in mount order. /query is public.
func DefaultGroups(h Handlers) []Group {
	return []Group{
		{Prefix: PrefixAuth, Handler: orUnavailable(h.Auth, "auth")},
		{Prefix: PrefixOTP, Gated: true, Handler: orUnavailable(h.OTP, "otp")},
		{Prefix: PrefixTicket, Gated: true, Handler: orUnavailable(h.Ticket, "ticket")},
		{Prefix: PrefixQuery, Handler: orUnavailable(h.Query, "query")},
	}
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Message string `json:"message"`
}

// Composer registers groups on a router.
type Composer struct {
	router *mux.Router
	gate   mux.MiddlewareFunc
	groups []Group
}

// NewComposer creates a composer. gate is applied to every Gated group.
func NewComposer(router *mux.Router, gate mux.MiddlewareFunc) *Composer {
	if router == nil {
		router = mux.NewRouter()
	}
	return &Composer{router: router, gate: gate}
}

// Mount registers g after every group mounted before it.
func (c *Composer) Mount(g Group) error {
	if !strings.HasPrefix(g.Prefix, "/") || len(g.Prefix) < 2 || strings.HasSuffix(g.Prefix, "/") {
		return fmt.Errorf("invalid group prefix %q", g.Prefix)
	}
	if g.Handler == nil {
		return fmt.Errorf("group %s has no handler", g.Prefix)
	}
	if g.Gated && c.gate == nil {
		return fmt.Errorf("group %s is gated but no gate is configured", g.Prefix)
	}
	for _, existing := range c.groups {
		if existing.Prefix == g.Prefix {
			return fmt.Errorf("group %s already mounted", g.Prefix)
		}
	}

	handler := stripPrefix(g.Prefix, g.Handler)
	if g.Gated {
		handler = c.gate(handler)
	}

	c.router.Handle(g.Prefix, handler)
	c.router.PathPrefix(g.Prefix + "/").Handler(handler)
	c.groups = append(c.groups, g)
	return nil
}

// MountAll mounts groups in order, stopping at the first error.
func (c *Composer) MountAll(groups []Group) error {
	for _, g := range groups {
		if err := c.Mount(g); err != nil {
			return err
		}
	}
	return nil
}

// Groups returns the mounted groups in match order.
func (c *Composer) Groups() []Group {
	out := make([]Group, len(c.groups))
	copy(out, c.groups)
	return out
}

// HandleHealth registers the ungated liveness endpoint.
func (c *Composer) HandleHealth() {
	c.router.HandleFunc(PathHealth, Health).Methods(http.MethodGet, http.MethodHead)
}

// HandleMetrics registers the metrics endpoint.
func (c *Composer) HandleMetrics(h http.Handler) {
	c.router.Handle(PathMetrics, h).Methods(http.MethodGet)
}

// Fallback answers unmatched paths and method mismatches. Without a
// fallback the router writes a JSON 404.
func (c *Composer) Fallback(h http.Handler) {
	if h == nil {
		h = http.HandlerFunc(httputil.NotFound)
	}
	c.router.NotFoundHandler = h
	c.router.MethodNotAllowedHandler = h
}

// Router returns the underlying router.
func (c *Composer) Router() *mux.Router {
	return c.router
}

func (c *Composer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Health responds 200 with the liveness payload regardless of auth state.
func Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Message: HealthMessage})
}

// Unavailable is mounted for a domain router that was not supplied.
func Unavailable(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteServiceError(w, r, errors.NotImplemented(name+" routes are not available"))
	})
}

func orUnavailable(h http.Handler, name string) http.Handler {
	if h == nil {
		return Unavailable(name)
	}
	return h
}

// stripPrefix is http.StripPrefix that keeps a leading slash.
func stripPrefix(prefix string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, prefix)
		if p == "" {
			p = "/"
		}
		rp := strings.TrimPrefix(r.URL.RawPath, prefix)
		if r.URL.RawPath != "" && rp == "" {
			rp = "/"
		}

		r2 := new(http.Request)
		*r2 = *r
		u := *r.URL
		u.Path = p
		u.RawPath = rp
		r2.URL = &u
		h.ServeHTTP(w, r2)
	})
}
