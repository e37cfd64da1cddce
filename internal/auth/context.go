package auth

import "context"

type sessionKey struct{}

type session struct {
	principal Principal
	token     string
}

// WithSession binds the authenticated principal and the raw bearer token it came from.
func WithSession(ctx context.Context, principal Principal, token string) context.Context {
	return context.WithValue(ctx, sessionKey{}, &session{principal: principal, token: token})
}

func sessionFrom(ctx context.Context) *session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*session)
	return s
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	s := sessionFrom(ctx)
	if s == nil {
		return Principal{}, false
	}
	return s.principal, true
}

// TokenFromContext returns the bearer token bound by WithSession.
func TokenFromContext(ctx context.Context) (string, bool) {
	s := sessionFrom(ctx)
	if s == nil || s.token == "" {
		return "", false
	}
	return s.token, true
}
