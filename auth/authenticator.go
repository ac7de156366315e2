package auth

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"golang.org/x/crypto/bcrypt"
)

// User represents an authenticated user with their associated role.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

const (
	// UserContextKey is the key used to store the User object in the context.
	UserContextKey = contextKey("user")
	// RoleReader may query the side-car status.
	RoleReader = "reader"
	// RoleWriter may also trigger a store.
	RoleWriter = "writer"
)

var (
	ErrUnauthenticated    = errors.New("invalid username or password")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Authenticator checks HTTP basic auth credentials against a user file.
type Authenticator struct {
	usersByUsername map[string]User
	hashType        HashType // The hash type used for all users in this file
	logger          *slog.Logger
}

var _ core.IAuthenticator = (*Authenticator)(nil)

// NewAuthenticator creates a new Authenticator from the binary user file.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	userRecords, hashType, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}

	userMap := make(map[string]User, len(userRecords))
	for _, u := range userRecords {
		userMap[u.Username] = User{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role}
	}

	return &Authenticator{
		usersByUsername: userMap,
		hashType:        hashType,
		logger:          logger.With("component", "Authenticator"),
	}, nil
}

func (a *Authenticator) checkAuthentication(username, password string) (User, error) {
	user, ok := a.usersByUsername[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, ErrUnauthenticated
	}
	if !a.matches(user.PasswordHash, password) {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, ErrUnauthenticated
	}
	return user, nil
}

func (a *Authenticator) matches(stored, password string) bool {
	var sum []byte
	switch a.hashType {
	case HashTypeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	case HashTypeSHA256:
		h := sha256.Sum256([]byte(password))
		sum = h[:]
	case HashTypeSHA512:
		h := sha512.Sum512([]byte(password))
		sum = h[:]
	default:
		return false
	}
	want, err := hex.DecodeString(stored)
	return err == nil && subtle.ConstantTimeCompare(sum, want) == 1
}

// Authenticate reads basic auth credentials from the request and returns a
// context carrying the authenticated user.
func (a *Authenticator) Authenticate(r *http.Request) (context.Context, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, ErrMissingCredentials
	}
	user, err := a.checkAuthentication(username, password)
	if err != nil {
		return nil, err
	}
	return context.WithValue(r.Context(), UserContextKey, user), nil
}

// Authorize checks if the user in the context has the required role.
func (a *Authenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		return fmt.Errorf("%w: no user information in context", ErrUnauthenticated)
	}
	if user.Role == RoleWriter || (user.Role == RoleReader && requiredRole == RoleReader) {
		return nil
	}
	return fmt.Errorf("%w: user '%s' with role '%s' requires role '%s'", ErrPermissionDenied, user.Username, user.Role, requiredRole)
}

// Middleware answers 401 or 403 with a JSON status body when the request
// is not allowed, and calls next otherwise.
func (a *Authenticator) Middleware(requiredRole string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := a.Authenticate(r)
		if err == nil {
			err = a.Authorize(ctx, requiredRole)
		}
		if err != nil {
			code := http.StatusUnauthorized
			if errors.Is(err, ErrPermissionDenied) {
				code = http.StatusForbidden
			} else {
				w.Header().Set("WWW-Authenticate", `Basic realm="zkbackup"`)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"Status": "Error", "Message": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) AuthenticateUserPass(username, password string) error {
	_, err := a.checkAuthentication(username, password)
	return err
}
