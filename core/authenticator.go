package core

import (
	"context"
	"net/http"
)

// IAuthenticator guards the store side-car HTTP API.
type IAuthenticator interface {
	// Authenticate checks the request credentials and returns a context
	// carrying the authenticated user.
	Authenticate(r *http.Request) (context.Context, error)
	// Authorize checks that the user in ctx holds requiredRole.
	Authorize(ctx context.Context, requiredRole string) error
	// Middleware wraps next with authentication and the role check.
	Middleware(requiredRole string, next http.Handler) http.Handler

	AuthenticateUserPass(username, password string) error
}
