package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ravintola/ordersync/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	apiPrefix         = "/api/v1"
	requestTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

type groupName string

const (
	groupOrders   groupName = "orders"
	groupCheckout groupName = "checkout"
	groupAdmin    groupName = "admin"
	groupWebhooks groupName = "webhooks"
	groupInternal groupName = "internal"
)

// routeGroup is one mounted prefix. A group without a registrar answers every request with
// feature_disabled so clients can tell a switched-off deployment from a wrong URL.
type routeGroup struct {
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[groupName]*routeGroup
}

func (c *routerConfig) group(name groupName) *routeGroup {
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface:
//
//	/healthz, /readyz
//	/api/v1/orders/*    customer order status
//	/api/v1/checkout    checkout sessions
//	/api/v1/admin/*     operator actions (staff auth)
//	/api/v1/webhooks/*  processor webhooks (signature auth)
//	/internal/*         placement, reconciliation, maintenance (OIDC)
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
		groups: make(map[groupName]*routeGroup),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		cfg.mount(api, "/orders", groupOrders)
		// checkout registers its single route on the api root
		if checkout := cfg.group(groupCheckout); checkout.register != nil {
			checkout.register(api)
		} else {
			api.HandleFunc("/checkout", disabledHandler(groupCheckout))
		}
		cfg.mount(api, "/admin", groupAdmin)
		cfg.mount(api, "/webhooks", groupWebhooks)
	})
	cfg.mount(r, "/internal", groupInternal)

	return r
}

func (c *routerConfig) mount(parent chi.Router, prefix string, name groupName) {
	g := c.group(name)
	parent.Route(prefix, func(sub chi.Router) {
		for _, mw := range g.middlewares {
			if mw != nil {
				sub.Use(mw)
			}
		}
		if g.register != nil {
			g.register(sub)
			return
		}
		handler := disabledHandler(name)
		sub.HandleFunc("/", handler)
		sub.HandleFunc("/*", handler)
	})
}

func disabledHandler(name groupName) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("feature_disabled", fmt.Sprintf("%s endpoints are not configured on this deployment", name), http.StatusServiceUnavailable))
	}
}

func withRoutes(name groupName, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(name).register = reg }
}

func withGroupMiddlewares(name groupName, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithMiddlewares appends global middleware after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithOrderRoutes(reg RouteRegistrar) Option    { return withRoutes(groupOrders, reg) }
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withRoutes(groupCheckout, reg) }
func WithAdminRoutes(reg RouteRegistrar) Option    { return withRoutes(groupAdmin, reg) }
func WithWebhookRoutes(reg RouteRegistrar) Option  { return withRoutes(groupWebhooks, reg) }
func WithInternalRoutes(reg RouteRegistrar) Option { return withRoutes(groupInternal, reg) }

// WithAdminMiddlewares guards /api/v1/admin, typically with auth.RequireStaff.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupAdmin, mw)
}

// WithWebhookMiddlewares wraps /api/v1/webhooks.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalMiddlewares guards /internal, typically with auth.RequireOIDC.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}
