package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/platform/auth"
)

// InsertAuthDeny records a rejected request as an audit event. The deny
// reason becomes the action suffix (auth.unauthenticated, auth.forbidden)
// and the method plus path identify the resource that was protected.
func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	payload := map[string]any{
		"service": service,
		"status":  event.Status,
		"reason":  event.Reason,
	}
	if event.Error != "" {
		payload["error"] = event.Error
	}
	if event.Email != "" {
		payload["email"] = event.Email
	}
	if len(event.Roles) > 0 {
		payload["roles"] = event.Roles
	}

	subject := strings.TrimSpace(event.Subject)
	if subject != "" {
		payload["subject"] = subject
	} else {
		subject = "anonymous"
	}

	_, err := Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        subject,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           remoteIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload:      payload,
	})
	return err
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}
