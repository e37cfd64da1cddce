package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"gatekeep.org/internal/auth"
	"gatekeep.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry for an administrative action, enriched with
// the request id and the acting user.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return LogEventTo(ctx, obs.Logger(), event, fields)
}

// LogEventTo is LogEvent with an explicit logger.
func LogEventTo(ctx context.Context, logger logrus.FieldLogger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logger.WithFields(logrus.Fields{
		"type":  "audit",
		"event": event,
	})
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.WithField("actor_id", principal.UserID)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	entry.WithField("fields", copied).Info("audit")
	return nil
}
