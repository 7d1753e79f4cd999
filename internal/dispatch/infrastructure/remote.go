package infrastructure

import (
	"fmt"

	"driver-dispatch/internal/dispatch/domain"
	"driver-dispatch/pkg/auth"
)

// Remote joins a request/response source with a realtime feed into the
// repository the session consumes.
type Remote struct {
	domain.OrderSource
	domain.OrderFeed
}

func NewRemote(source domain.OrderSource, feed domain.OrderFeed) *Remote {
	return &Remote{OrderSource: source, OrderFeed: feed}
}

// TokenAuthenticator turns a driver session token into the signed-in user.
type TokenAuthenticator struct {
	jwt *auth.JWTManager
}

func NewTokenAuthenticator(jwt *auth.JWTManager) *TokenAuthenticator {
	return &TokenAuthenticator{jwt: jwt}
}

// Authenticate accepts only tokens issued for the DRIVER role.
func (a *TokenAuthenticator) Authenticate(token string) (domain.User, error) {
	claims, err := a.jwt.ParseToken(token)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if claims.Role != auth.RoleDriver {
		return domain.User{}, fmt.Errorf("%w: token role %s is not a driver", domain.ErrValidation, claims.Role)
	}
	return domain.User{
		ID:    claims.UserID,
		Name:  claims.Name,
		Email: claims.Email,
		Phone: claims.Phone,
	}, nil
}

var _ domain.OrderRepository = (*Remote)(nil)
