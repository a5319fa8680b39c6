package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/logger"
)

// LocalUserID identifies the single user when authentication is disabled.
const LocalUserID = "local"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Admin  bool
}

type contextKey string

const principalKey contextKey = "principal"

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

// principalFrom returns the caller set by the auth middleware.
func principalFrom(r *http.Request) Principal {
	p, _ := r.Context().Value(principalKey).(Principal)
	return p
}

// Claims are the token claims the server reads.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Authenticator verifies bearer tokens signed either with a shared HMAC
// secret or with keys published at a JWKS URL.
type Authenticator struct {
	disabled  bool
	keyfunc   jwt.Keyfunc
	methods   []string
	adminRole string
}

// NewAuthenticator builds an Authenticator from cfg. A JWKS URL takes
// precedence over a shared secret.
func NewAuthenticator(ctx context.Context, cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{disabled: cfg.Disabled, adminRole: cfg.AdminRole}
	switch {
	case cfg.Disabled:
		logger.L.Warn("authentication disabled; every request acts as the local admin user")
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS client: %w", err)
		}
		a.keyfunc = jwks.Keyfunc
		a.methods = []string{"RS256", "ES256"}
		logger.L.Info("JWT verifier initialized", "jwks_url", cfg.JWKSURL)
	case cfg.JWTSecret != "":
		secret := []byte(cfg.JWTSecret)
		a.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		a.methods = []string{"HS256"}
	default:
		return nil, errors.New("auth: either jwt_secret or jwks_url is required")
	}
	return a, nil
}

// Verify parses a token and returns its principal.
func (a *Authenticator) Verify(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, a.keyfunc, jwt.WithValidMethods(a.methods))
	if err != nil {
		logger.L.Debug("token rejected", "error", err)
		return Principal{}, domain.ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, domain.ErrUnauthorized
	}
	return Principal{
		UserID: claims.Subject,
		Admin:  a.adminRole != "" && claims.Role == a.adminRole,
	}, nil
}

// Middleware resolves the caller of every request except /health.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if a.disabled {
			next.ServeHTTP(w, withPrincipal(r, Principal{UserID: LocalUserID, Admin: true}))
			return
		}

		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			respondProblem(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := a.Verify(tokenString)
		if err != nil {
			respondProblem(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, withPrincipal(r, p))
	})
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !principalFrom(r).Admin {
			respondError(w, r, domain.ErrForbidden)
			return
		}
		next(w, r)
	}
}
