package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/skillbridge/realtime-server/internal/metrics"
	"github.com/skillbridge/realtime-server/internal/store"
)

// Error codes a failed resolution can carry. All are terminal for the
// attempted operation but never close the socket; the client may retry
// with a fresh credential.
const (
	CodeTokenInvalid      = "token_invalid"
	CodeTokenInvalidated  = "token_invalidated"
	CodePrincipalNotFound = "principal_not_found"
)

// AuthError describes why a credential was rejected.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// AsAuthError unwraps err into an *AuthError if it is one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Resolver verifies bearer credentials supplied inside the first protocol
// message and produces verified identities.
type Resolver struct {
	cfg   *JWTConfig
	users store.UserStore
}

// NewResolver builds a resolver backed by the given user store.
func NewResolver(cfg *JWTConfig, users store.UserStore) *Resolver {
	return &Resolver{cfg: cfg, users: users}
}

// Resolve verifies rawToken and returns the identity it names.
// The principal row must still exist, and a mentor token issued at or before
// the account's last logout is rejected: a logout invalidates every token
// minted before it, compared by issue time rather than a revocation list.
func (r *Resolver) Resolve(ctx context.Context, rawToken string) (*Identity, error) {
	claims, err := parseToken(r.cfg, rawToken)
	if err != nil {
		metrics.AuthFailures.Inc()
		return nil, &AuthError{Code: CodeTokenInvalid, Message: "invalid or expired token"}
	}
	if claims.UserID == "" {
		metrics.AuthFailures.Inc()
		return nil, &AuthError{Code: CodeTokenInvalid, Message: "token missing subject"}
	}

	user, err := r.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.AuthFailures.Inc()
		return nil, &AuthError{Code: CodePrincipalNotFound, Message: "account no longer exists"}
	}
	if err != nil {
		return nil, fmt.Errorf("look up principal: %w", err)
	}

	if user.Role == store.RoleMentor && user.LastLogoutAt != nil {
		if claims.IssuedAt == nil || !claims.IssuedAt.Time.After(*user.LastLogoutAt) {
			metrics.AuthFailures.Inc()
			return nil, &AuthError{Code: CodeTokenInvalidated, Message: "token issued before last logout"}
		}
	}

	name := user.DisplayName
	if name == "" {
		name = claims.DisplayName
	}

	return &Identity{
		ID:          user.ID,
		DisplayName: name,
		Role:        user.Role,
	}, nil
}
