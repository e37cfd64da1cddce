package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/obs"
)

// Pinger is implemented by the store and the denylist backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness of the persistence and denylist backends.
type ReadyProbe struct {
	Store    Pinger
	Denylist Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if rp.Denylist != nil {
		if err := rp.Denylist.Ping(ctx); err != nil {
			return fmt.Errorf("denylist: %w", err)
		}
	}
	return nil
}

// API is the HTTP layer over the session and role services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *auth.Service
	rbac       *auth.RBACService

	rateBurst  int
	ratePerSec float64
	proxies    TrustedProxies
}

// Option customizes the API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket applied to /api/v1/auth/ routes.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lets the rate limiter key on X-Forwarded-For for requests relayed by proxies.
func WithTrustedProxies(proxies TrustedProxies) Option {
	return func(a *API) {
		a.proxies = proxies
	}
}

func New(rp ReadyProbe, version string, svc *auth.Service, rbac *auth.RBACService, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		rbac:       rbac,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/api/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/api/v1/auth/change", a.handleChange)
	a.mux.HandleFunc("/api/v1/auth/history", a.handleHistory)

	a.mux.HandleFunc("/api/v1/users/check-permission", a.handleCheckPermission)
	a.mux.Handle("/api/v1/users/role", a.withAuth(auth.PermRoleAdmin)(http.HandlerFunc(a.handleUserRole)))
	a.mux.Handle("/api/v1/roles", a.withAuth(auth.PermRoleManage)(http.HandlerFunc(a.handleRoles)))
	a.mux.Handle("/api/v1/roles/", a.withAuth(auth.PermRoleManage)(http.HandlerFunc(a.handleRole)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain. The auth routes are rate limited per client.
func (a *API) Handler() http.Handler {
	limited := RateLimit(a.mux, a.rateBurst, a.ratePerSec, a.proxies)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v1/auth/") {
			limited.ServeHTTP(w, r)
			return
		}
		a.mux.ServeHTTP(w, r)
	})
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, maxJSONBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatekeep",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		logFor(r).WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "gatekeep",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.svc != nil {
		info["access_ttl_seconds"] = int(a.svc.Authority().AccessTTL().Seconds())
		info["refresh_ttl_seconds"] = int(a.svc.Authority().RefreshTTL().Seconds())
	}
	writeJSON(w, http.StatusOK, info)
}
