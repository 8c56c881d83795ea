package transport

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/cloudmirror/internal/models"
)

// ErrNoUserHandle is returned for tokens that name no valid user handle.
var ErrNoUserHandle = errors.New("token carries no user handle")

// Claims are the session token claims the mirror reads.
type Claims struct {
	User string `json:"uh"`
	jwt.RegisteredClaims
}

// UserFromToken extracts the session's own user handle. The signature is
// not checked here; the server verifies it on every request.
func UserFromToken(token string) (models.Handle, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	user := models.Handle(claims.User)
	if user == "" {
		user = models.Handle(claims.Subject)
	}
	if !user.IsUser() {
		return "", fmt.Errorf("%w: %q", ErrNoUserHandle, user)
	}
	return user, nil
}
