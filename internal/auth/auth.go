package auth

import "github.com/golang-jwt/jwt/v5"

// Authenticator validates bearer tokens issued by the identity service. This
// service never issues tokens to clients.
type Authenticator interface {
	ValidateAccessToken(token string) (*jwt.Token, error)
}
