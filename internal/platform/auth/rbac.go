package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrForbidden reports an authenticated caller whose roles do not reach
// the level a route requires.
var ErrForbidden = errors.New("forbidden")

// Roles form a strict ladder: admin implies editor, editor implies viewer.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

func levelFor(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// HasAtLeast reports whether any of the roles reaches the required level.
// Unknown role names count for nothing, including as the requirement.
func HasAtLeast(roles []string, required string) bool {
	want := levelFor(required)
	if want == 0 {
		return false
	}
	for _, role := range roles {
		if levelFor(role) >= want {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest maps a route to the weakest role allowed to call
// it. Reads need viewer, workflow registration needs admin, and every
// other mutation needs editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if strings.HasPrefix(r.URL.Path, "/workflows") {
		return RoleAdmin
	}
	return RoleEditor
}
