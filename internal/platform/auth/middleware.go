package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AuthorizeFunc decides whether an authenticated identity may perform
// the request. Returning ErrForbidden (or any error) denies it.
type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyEvent captures one rejected request for the audit trail.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Email      string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

// AuditFunc records a deny event. Failures are logged, never surfaced
// to the caller.
type AuditFunc func(ctx context.Context, event DenyEvent) error

// Middleware authenticates every request outside SkipPrefixes, runs the
// optional Authorize check, and attaches the identity to the request
// context for handlers downstream.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skips(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthenticated"
			}
			m.deny(w, r, Identity{}, http.StatusUnauthorized, "unauthorized", reason, err)
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", "forbidden", err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skips(path string) bool {
	for _, prefix := range m.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// deny writes the JSON error response and pushes the event to the log
// and the audit sink. The response body carries errCode while the audit
// record carries the finer-grained reason.
func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, errCode, reason string, err error) {
	requestID := r.Header.Get("X-Request-Id")

	if m.Logger != nil {
		fields := []any{
			"reason", reason,
			"status", status,
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		}
		if identity.Subject != "" {
			fields = append(fields, "subject", identity.Subject)
		}
		m.Logger.Warn("auth deny", fields...)
	}

	if m.Audit != nil {
		auditErr := m.Audit(r.Context(), DenyEvent{
			Time:       time.Now().UTC(),
			Status:     status,
			Reason:     reason,
			Error:      err.Error(),
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Subject:    identity.Subject,
			Email:      identity.Email,
			Roles:      identity.Roles,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
		if auditErr != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", requestID, "error", auditErr.Error())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      errCode,
		"request_id": requestID,
	})
}

// MethodRoleAuthorizer enforces the role ladder from
// RequiredRoleForRequest.
func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if identity.Can(RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}

// WithTimeout bounds a readiness check so a stuck dependency cannot
// hang the probe.
func WithTimeout(timeout time.Duration, check func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return check(checkCtx)
	}
}
