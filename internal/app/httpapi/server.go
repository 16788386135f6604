// Package httpapi exposes the application services over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/quantumshield/backend/internal/app"
	"github.com/quantumshield/backend/internal/app/metrics"
	"github.com/quantumshield/backend/internal/app/services/security"
	"github.com/quantumshield/backend/internal/middleware"
	"github.com/quantumshield/backend/pkg/logger"
)

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	StaticTokens   []string
	RateLimitRPS   int
	RateLimitBurst int
	AuditLogPath   string
}

// publicPaths skip authentication. Entries ending in "/" are prefixes.
var publicPaths = []string{
	"/healthz",
	"/metrics",
	"/api/system/health",
	"/api/auth/register",
	"/api/auth/login",
}

type handler struct {
	app   *app.Application
	audit *auditLog
	log   *logger.Logger
	now   func() time.Time
}

// NewHandler builds the router wrapped in the middleware chain:
// recover, tracing, metrics, CORS, rate limit, auth, audit.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("http")
	}
	var sink auditSink
	if opts.AuditLogPath != "" {
		jsonl, err := openJSONLSink(opts.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = jsonl
	}
	h := &handler{app: application, audit: newAuditLog(0, sink), log: log, now: time.Now}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("route not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	})

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	h.authRoutes(api)
	h.securityRoutes(api.PathPrefix("/security").Subrouter())
	h.deviceRoutes(api.PathPrefix("/devices").Subrouter())
	h.blockchainRoutes(api.PathPrefix("/blockchain").Subrouter())
	h.advancedRoutes(api.PathPrefix("/advanced-blockchain").Subrouter())
	h.economyRoutes(api.PathPrefix("/economy").Subrouter())
	h.marketplaceRoutes(api.PathPrefix("/marketplace").Subrouter())
	h.defiRoutes(api.PathPrefix("/defi").Subrouter())
	h.analyticsRoutes(api.PathPrefix("/ai-analytics").Subrouter())
	h.cryptoRoutes(api.PathPrefix("/advanced-crypto").Subrouter())
	h.webhookRoutes(api.PathPrefix("/webhooks").Subrouter())
	h.x509Routes(api.PathPrefix("/x509").Subrouter())
	h.archiveRoutes(api.PathPrefix("/archive").Subrouter())
	h.systemRoutes(api.PathPrefix("/system").Subrouter())
	api.HandleFunc("/stream", h.stream).Methods(http.MethodGet)

	auth := middleware.NewAuth(verifier{application.Security}, opts.StaticTokens, publicPaths, log)
	limiter := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log)

	var chain http.Handler = h.audit.handler(r)
	chain = auth.Handler(chain)
	chain = limiter.Handler(chain)
	chain = middleware.CORS(opts.CORSOrigins)(chain)
	chain = metrics.InstrumentHandler(chain)
	chain = middleware.Tracing(log)(chain)
	chain = middleware.Recover(log)(chain)
	return chain, nil
}

// admin restricts fn to admin principals.
func admin(fn http.HandlerFunc) http.Handler {
	return middleware.RequireAdmin(fn)
}

// verifier adapts the security service to the auth middleware.
type verifier struct {
	security *security.Service
}

func (v verifier) VerifyToken(token string) (middleware.Principal, error) {
	claims, err := v.security.ParseToken(token)
	if err != nil {
		return middleware.Principal{}, err
	}
	return middleware.Principal{UserID: claims.Subject, Username: claims.Username, Role: claims.Role, Method: middleware.MethodJWT}, nil
}

func (v verifier) VerifyAPIKey(ctx context.Context, key string) (middleware.Principal, error) {
	user, err := v.security.ResolveAPIKey(ctx, key)
	if err != nil {
		return middleware.Principal{}, err
	}
	return middleware.Principal{UserID: user.ID, Username: user.Username, Role: user.Role, Method: middleware.MethodAPIKey}, nil
}

// principal returns the caller; auth guarantees one on protected routes.
func principal(r *http.Request) middleware.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
