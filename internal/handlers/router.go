package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/cartengine/internal/platform/httpx"
)

// RouteRegistrar mounts a route group on the API router.
type RouteRegistrar func(r chi.Router)

// Option customises NewRouter.
type Option func(*routes)

type routes struct {
	prefix     string
	timeout    time.Duration
	middleware []func(http.Handler) http.Handler
	health     *HealthHandlers
	cart       RouteRegistrar
}

// WithBasePath mounts the cart API under path instead of /api/v1.
func WithBasePath(path string) Option {
	return func(rt *routes) {
		if path != "" {
			rt.prefix = path
		}
	}
}

// WithRequestTimeout bounds API requests; probes are not affected.
func WithRequestTimeout(d time.Duration) Option {
	return func(rt *routes) {
		if d > 0 {
			rt.timeout = d
		}
	}
}

// WithMiddlewares runs mw on every request after request IDs are assigned.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(rt *routes) { rt.middleware = append(rt.middleware, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(rt *routes) { rt.health = h }
}

// WithCartRoutes installs the cart endpoints. reg receives the API router so it can own both
// /cart and /cart:merge.
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(rt *routes) { rt.cart = reg }
}

// NewRouter builds the service router: /healthz and /readyz at the root and the cart API under the
// base path. Without cart routes the API answers 501.
func NewRouter(opts ...Option) chi.Router {
	rt := routes{prefix: "/api/v1", timeout: 30 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&rt)
		}
	}
	if rt.health == nil {
		rt.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	for _, mw := range rt.middleware {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)

	r.Route(rt.prefix, func(api chi.Router) {
		api.Use(middleware.Timeout(rt.timeout))
		if rt.cart == nil {
			api.HandleFunc("/cart", notImplemented)
			api.HandleFunc("/cart/*", notImplemented)
			api.HandleFunc("/cart:merge", notImplemented)
			return
		}
		rt.cart(api)
	})
	return r
}

func notImplemented(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", "cart routes are not enabled", http.StatusNotImplemented))
}
