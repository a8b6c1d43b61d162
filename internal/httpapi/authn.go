package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"lavka.dev/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths that never require an access token. Everything under /v1/auth is
// reachable unauthenticated except /me and /password/change.
var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/auth/password/reset/request",
	"/v1/auth/password/reset/confirm",
	"/v1/auth/verify-email",
	"/v1/auth/verify-email/resend",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/openapi.yaml",
	"/",
}

var publicPrefixes = []string{
	"/v1/auth/oauth/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.signer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		id, err := a.signer.Verify(raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpired):
				writeError(w, r, http.StatusUnauthorized, "token expired")
			default:
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			}
			return
		}

		ctx := token.ContextWithIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(p string) bool {
	for _, pub := range publicPaths {
		if p == pub {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errors.New("authorization header must use bearer scheme")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if raw == "" {
		return "", errors.New("empty bearer token")
	}
	return raw, nil
}
