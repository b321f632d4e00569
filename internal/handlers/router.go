package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/printcraft/api/internal/platform/httpx"
)

// APIPrefix is where every non-probe route lives.
const APIPrefix = "/api/v1"

const requestTimeout = 60 * time.Second

// RouteRegistrar adds routes to a router group.
type RouteRegistrar func(r chi.Router)

// Middleware is the net/http middleware shape chi uses.
type Middleware = func(http.Handler) http.Handler

// Routes describes what NewRouter mounts. Nil registrars leave their group
// unmounted, so its paths answer 404.
type Routes struct {
	// Middlewares run on every request after request id, real IP and timeout.
	Middlewares []Middleware
	Health      *HealthHandlers

	// Checkout is mounted at the API root because it spans /checkout/*.
	Checkout RouteRegistrar
	Orders   RouteRegistrar

	Webhooks          []RouteRegistrar
	WebhookMiddleware []Middleware

	Internal           RouteRegistrar
	InternalMiddleware []Middleware
}

// NewRouter builds the chi router: probes at the root, the order pipeline
// under APIPrefix.
func NewRouter(routes Routes) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout))
	for _, mw := range routes.Middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	health := routes.Health
	if health == nil {
		health = NewHealthHandlers()
	}
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	r.Route(APIPrefix, func(api chi.Router) {
		if routes.Checkout != nil {
			routes.Checkout(api)
		}
		if routes.Orders != nil {
			api.Route("/orders", routes.Orders)
		}
		if len(routes.Webhooks) > 0 {
			api.Route("/webhooks", group(routes.WebhookMiddleware, routes.Webhooks...))
		}
		if routes.Internal != nil {
			api.Route("/internal", group(routes.InternalMiddleware, routes.Internal))
		}
	})
	return r
}

func group(mws []Middleware, registrars ...RouteRegistrar) func(chi.Router) {
	return func(r chi.Router) {
		for _, mw := range mws {
			if mw != nil {
				r.Use(mw)
			}
		}
		for _, reg := range registrars {
			if reg != nil {
				reg(r)
			}
		}
	}
}
