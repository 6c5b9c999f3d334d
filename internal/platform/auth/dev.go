package auth

import (
	"context"
	"net/http"
)

// DevAuthenticator answers every request with one fixed identity. Local
// development only; it checks no credentials at all.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

func (a *DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}
