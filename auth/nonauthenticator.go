package auth

import (
	"context"
	"net/http"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

// NonAuthenticator lets every request through. It is used when security is
// disabled in the configuration.
type NonAuthenticator struct{}

var _ core.IAuthenticator = (*NonAuthenticator)(nil)

func NewNonAuthenticator() core.IAuthenticator {
	return &NonAuthenticator{}
}

func (a *NonAuthenticator) Authenticate(r *http.Request) (context.Context, error) {
	return r.Context(), nil
}

func (a *NonAuthenticator) Authorize(ctx context.Context, requiredRole string) error {
	return nil
}

func (a *NonAuthenticator) Middleware(requiredRole string, next http.Handler) http.Handler {
	return next
}

func (a *NonAuthenticator) AuthenticateUserPass(username, password string) error {
	return nil
}
