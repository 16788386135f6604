package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/quantumshield/backend/pkg/logger"
)

const (
	RoleAdmin = "admin"

	MethodJWT         = "jwt"
	MethodAPIKey      = "api_key"
	MethodStaticToken = "static_token"

	// StaticUserID identifies principals authenticated by a static token.
	StaticUserID = "static"
)

// Verifier resolves credentials to a Principal.
type Verifier interface {
	VerifyToken(token string) (Principal, error)
	VerifyAPIKey(ctx context.Context, key string) (Principal, error)
}

// Auth authenticates requests with a bearer JWT, an X-API-Key header or a
// configured static token. Static tokens act as admin.
type Auth struct {
	verifier     Verifier
	staticTokens [][]byte
	public       []string
	log          *logger.Logger
}

// NewAuth builds the authenticator. Paths in public (exact, or prefix when
// ending in "/") skip authentication.
func NewAuth(verifier Verifier, staticTokens, public []string, log *logger.Logger) *Auth {
	a := &Auth{verifier: verifier, public: public, log: log}
	for _, t := range staticTokens {
		if t = strings.TrimSpace(t); t != "" {
			a.staticTokens = append(a.staticTokens, []byte(t))
		}
	}
	return a
}

// Handler rejects unauthenticated requests with 401.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublic(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.authenticate(r)
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Debug("authentication failed")
			w.Header().Set("WWW-Authenticate", `Bearer realm="quantumshield"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Auth) authenticate(r *http.Request) (Principal, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return a.verifier.VerifyAPIKey(r.Context(), key)
	}
	token := bearer(r)
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Principal{}, errMissingCredentials
	}
	for _, static := range a.staticTokens {
		if subtle.ConstantTimeCompare(static, []byte(token)) == 1 {
			return Principal{UserID: StaticUserID, Username: StaticUserID, Role: RoleAdmin, Method: MethodStaticToken}, nil
		}
	}
	return a.verifier.VerifyToken(token)
}

func (a *Auth) isPublic(path string) bool {
	for _, p := range a.public {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// RequireAdmin allows only admin principals.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if p.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type authError string

func (e authError) Error() string { return string(e) }

const errMissingCredentials = authError("missing credentials")
