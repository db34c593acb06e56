package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"msd/pkg/errors"
)

// Authenticator validates HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer accepts any issuer.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate checks the bearer token of r
func (a *Authenticator) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return errors.NewError(errors.ErrorTypeUnauthorized, "missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return errors.NewError(errors.ErrorTypeUnauthorized, "invalid token").WithCause(err)
	}
	if !parsed.Valid {
		return errors.NewError(errors.ErrorTypeUnauthorized, "token validation failed")
	}
	return nil
}
