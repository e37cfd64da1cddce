package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gatekeep.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth admits requests whose access token carries every permission in required.
// The principal and token are attached to the request context.
func (a *API) withAuth(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := a.bearerToken(w, r)
			if !ok {
				return
			}
			principal, err := a.svc.CheckAccess(r.Context(), token, required)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			ctx := auth.WithSession(r.Context(), principal, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token or writes a 401.
func (a *API) bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err))
		return "", false
	}
	return token, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
